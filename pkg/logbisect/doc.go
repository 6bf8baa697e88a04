/*
Package logbisect finds the commit that introduced a regression in a containerized application.

For every tested commit, the repository is checked out, a docker image is built from it and a container is started.
After a fixed wait, the container's logs are searched for an error string. Commits whose logs contain it are broken,
all others are good. Commits that can't be checked out, built or started are inconclusive and skipped.

A run is most easily started by validating a [Config] and passing it to a [Runner]:

	cfg := logbisect.NewConfig()
	cfg.Image, cfg.Date, cfg.ErrorString = "app:bisect", "2024-01-01", "panic:"
	if err := cfg.Validate(); err != nil {
		// Handle error
	}
	res, err := (&logbisect.Runner{Config: cfg}).Run(ctx)

The individual parts can also be used on their own:
  - [ResolveRange] turns a date and optional good and bad references into a [Range]
  - [Bisector] searches a range using any [Oracle], such as a [DockerOracle]
  - [StateGuard] restores the repository once the search is over, no matter how it ended

The [Result] of a run only contains boundaries that were verified by a fresh evaluation after the search narrowed down
to two adjacent commits. An unverified boundary is left empty instead of being guessed.
*/
package logbisect
