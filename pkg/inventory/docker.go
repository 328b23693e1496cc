package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
)

type imageLister interface {
	ImageList(ctx context.Context, options types.ImageListOptions) ([]types.ImageSummary, error)
}

// DockerSource lists local image tags as applications.
type DockerSource struct {
	DCli imageLister
}

// NewDockerSource connects with the environment settings of the docker CLI.
func NewDockerSource() (*DockerSource, func() error, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, nil, err
	}
	return &DockerSource{DCli: cli}, cli.Close, nil
}

func (s *DockerSource) Name() string { return "docker" }

func (s *DockerSource) ListInstalled(ctx context.Context) ([]Item, error) {
	images, err := s.DCli.ImageList(ctx, types.ImageListOptions{})
	if err != nil {
		if strings.Contains(err.Error(), "Is the docker daemon running?") {
			err = errors.New("docker is not running")
		}
		return nil, fmt.Errorf("list images: %w", err)
	}

	var items []Item
	for _, image := range images {
		for _, repotag := range image.RepoTags {
			if it, ok := imageItem(repotag, s.Name()); ok {
				items = append(items, it)
			}
		}
	}
	return items, nil
}
