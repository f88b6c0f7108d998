package container

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/image"
)

// ImageInfo describes one of the stock sandbox images.
type ImageInfo struct {
	Type        string
	Description string
}

// StockImages lists the image types ImageName knows about.
var StockImages = []ImageInfo{
	{"node", "Node.js 20, npm, pnpm, agent CLIs"},
	{"python", "Python 3.12, pip, poetry, uv"},
	{"go", "Go 1.24, common tools"},
	{"rust", "Rust, cargo"},
	{"full", "All languages + all agents"},
}

// InstalledImages returns the set of repo tags present on the Docker host.
func (m *Manager) InstalledImages(ctx context.Context) (map[string]bool, error) {
	images, err := m.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing images: %w", err)
	}

	installed := make(map[string]bool)
	for _, img := range images {
		for _, tag := range img.RepoTags {
			installed[tag] = true
		}
	}
	return installed, nil
}

// PullImage pulls ref and copies the progress stream to w.
func (m *Manager) PullImage(ctx context.Context, ref string, w io.Writer) error {
	reader, err := m.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling %s: %w", ref, err)
	}
	defer reader.Close()

	if _, err := io.Copy(w, reader); err != nil {
		return fmt.Errorf("reading pull progress for %s: %w", ref, err)
	}
	return nil
}
