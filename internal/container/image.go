package container

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	goarchive "github.com/moby/go-archive"
)

// ensureImage makes the engine image available, building it from the
// configured Dockerfile or pulling it when absent.
func (l *Launcher) ensureImage(ctx context.Context) error {
	if _, err := l.docker.ImageInspect(ctx, l.cfg.Image); err == nil {
		return nil
	}
	if l.cfg.Dockerfile != "" {
		return BuildEngineImage(ctx, l.docker, l.cfg.Image, l.cfg.Dockerfile)
	}
	return pullImage(ctx, l.docker, l.cfg.Image)
}

func BuildEngineImage(ctx context.Context, docker *client.Client, imageName, dockerfile string) error {
	cwd, _ := os.Getwd()

	tar, err := goarchive.TarWithOptions(cwd, &goarchive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer tar.Close()

	resp, err := docker.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:       []string{imageName},
		Dockerfile: dockerfile,
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	defer resp.Body.Close()

	if err := drainProgress(resp.Body); err != nil {
		return fmt.Errorf("build image: %w", err)
	}

	slog.Info("engine image built", "image", imageName)
	return nil
}

func pullImage(ctx context.Context, docker *client.Client, imageRef string) error {
	slog.Info("pulling engine image", "image", imageRef)

	reader, err := docker.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	defer reader.Close()

	if err := drainProgress(reader); err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	slog.Info("engine image pulled", "image", imageRef)
	return nil
}

// drainProgress consumes a docker JSON progress stream and surfaces the
// first error message it carries.
func drainProgress(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg struct {
			Status string `json:"status"`
			Error  string `json:"error,omitempty"`
		}
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if msg.Error != "" {
			return fmt.Errorf("%s", msg.Error)
		}
	}
}
