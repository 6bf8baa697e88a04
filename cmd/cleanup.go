package cmd

import (
	"context"
	"fmt"

	"github.com/DominicWuest/logbisect/pkg/logbisect"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
)

var cleanupContainers bool
var cleanupAgree bool

var cleanupCmd = &cobra.Command{
	Use:     "clean",
	Aliases: []string{"prune", "cleanup"},
	Short:   "Clean all docker artifacts created by logbisect",
	Long: `This command cleans all docker artifacts created by logbisect.
This includes containers, both running and stopped, as well as all docker images built.
It is only needed if a bisection was killed before it could clean up after itself.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("couldn't create docker client: %w", err)
		}
		defer cli.Close()

		labelFilter := filters.NewArgs(filters.Arg("label", logbisect.Label+"=1"))

		containers, err := cli.ContainerList(ctx, container.ListOptions{
			All:     true,
			Filters: labelFilter,
		})
		if err != nil {
			return fmt.Errorf("couldn't list docker containers: %w", err)
		}

		var images []image.Summary
		if !cleanupContainers {
			images, err = cli.ImageList(ctx, image.ListOptions{
				All:     true,
				Filters: labelFilter,
			})
			if err != nil {
				return fmt.Errorf("couldn't list docker images: %w", err)
			}
		}

		if len(containers)+len(images) == 0 {
			imageString := " or images"
			if cleanupContainers {
				imageString = ""
			}
			log.Infof("No containers%s to remove. Exiting...", imageString)
			return nil
		}

		confirmationMessage := fmt.Sprintf("About to delete %d containers", len(containers))
		if !cleanupContainers {
			confirmationMessage += fmt.Sprintf(" and %d images", len(images))
		}
		confirmationMessage += "."
		log.Info(confirmationMessage)

		if !cleanupAgree {
			prompt := promptui.Prompt{
				Label:     "Proceed",
				IsConfirm: true,
			}
			if _, err := prompt.Run(); err != nil {
				log.Info("Exiting...")
				return nil
			}
		}

		for _, c := range containers {
			log.Infof("Deleting container %s (ID: %s)", containerName(c.Names), c.ID)
			if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
				return fmt.Errorf("failed to remove container with ID %s: %w", c.ID, err)
			}
		}

		for _, i := range images {
			log.Infof("Deleting image %s (ID: %s)", imageTag(i.RepoTags), i.ID)
			if _, err := cli.ImageRemove(ctx, i.ID, image.RemoveOptions{
				PruneChildren: true,
				Force:         true,
			}); err != nil && !client.IsErrNotFound(err) {
				return fmt.Errorf("failed to remove image with ID %s: %w", i.ID, err)
			}
		}

		log.Info("Done cleaning up.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)

	cleanupCmd.Flags().BoolVarP(&cleanupContainers, "containers", "c", false, "Only delete containers, no images.")
	cleanupCmd.Flags().BoolVarP(&cleanupAgree, "assume-yes", "y", false, `Bypass "Are you sure?" message.`)
}

func containerName(names []string) string {
	if len(names) == 0 {
		return "<unnamed>"
	}
	return names[0][1:]
}

func imageTag(tags []string) string {
	if len(tags) == 0 {
		return "<untagged>"
	}
	return tags[0]
}
