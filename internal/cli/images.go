package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/swamp-dev/autoflow/internal/container"
)

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "Manage autoflow sandbox images",
	Long: `Images provides commands for the Docker images used by the docker
launcher and runner backends.

Subcommands:
  list   - List stock sandbox images
  pull   - Pull sandbox images from the registry`,
}

var imagesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stock sandbox images",
	RunE:  runImagesList,
}

var imagesPullCmd = &cobra.Command{
	Use:   "pull [image...]",
	Short: "Pull sandbox images",
	Long: `Pull autoflow sandbox images from the registry.

Examples:
  autoflow images pull          # Pull all images
  autoflow images pull node     # Pull only the node image`,
	RunE: runImagesPull,
}

func init() {
	imagesCmd.AddCommand(imagesListCmd)
	imagesCmd.AddCommand(imagesPullCmd)
}

func runImagesList(cmd *cobra.Command, args []string) error {
	cm, err := container.NewManager()
	if err != nil {
		return err
	}
	defer cm.Close()

	installed, err := cm.InstalledImages(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Println(titleStyle.Render("Autoflow Sandbox Images"))
	fmt.Println(labelStyle.Render(fmt.Sprintf("%-8s %-24s %-14s %s", "TYPE", "IMAGE", "STATUS", "DESCRIPTION")))
	for _, img := range container.StockImages {
		ref := container.ImageName(img.Type)
		status := "not installed"
		if installed[ref] {
			status = "installed"
		}
		fmt.Printf("%-8s %-24s %-14s %s\n", img.Type, ref, status, img.Description)
	}
	fmt.Println("\nUse 'autoflow images pull <type>' to download images")

	return nil
}

// selectImages maps image type arguments to references; no arguments selects all.
func selectImages(args []string) ([]string, error) {
	var refs []string
	if len(args) == 0 {
		for _, img := range container.StockImages {
			refs = append(refs, container.ImageName(img.Type))
		}
		return refs, nil
	}

	for _, arg := range args {
		found := false
		for _, img := range container.StockImages {
			if arg == img.Type || arg == container.ImageName(img.Type) {
				refs = append(refs, container.ImageName(img.Type))
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown image %q", arg)
		}
	}
	return refs, nil
}

func runImagesPull(cmd *cobra.Command, args []string) error {
	refs, err := selectImages(args)
	if err != nil {
		return err
	}

	cm, err := container.NewManager()
	if err != nil {
		return err
	}
	defer cm.Close()

	var failed int
	for _, ref := range refs {
		logger.Info("pulling image", "image", ref)
		if err := cm.PullImage(cmd.Context(), ref, os.Stdout); err != nil {
			logger.Error("failed to pull image", "image", ref, "error", err)
			failed++
			continue
		}
		fmt.Println()
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d images failed to pull", failed, len(refs))
	}
	return nil
}
