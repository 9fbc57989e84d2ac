package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"pubplane/internal/pool"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// DefaultChromeImage is the headless browser image used when none is
// configured.
const DefaultChromeImage = "chromedp/headless-shell:latest"

// ContainerHandle is a headless-browser container bound to one account.
type ContainerHandle struct {
	ContainerID string
	CDPURL      string
}

// ID implements pool.Handle.
func (h *ContainerHandle) ID() string { return h.ContainerID }

// DebugURL implements pool.Handle.
func (h *ContainerHandle) DebugURL() string { return h.CDPURL }

// DockerProvider runs one headless-chrome container per account. It serves
// development and CI setups where no managed window farm is available.
type DockerProvider struct {
	client     *client.Client
	image      string
	httpClient *http.Client

	mu       sync.Mutex
	nextPort int
}

// NewDockerProvider creates a Docker-based provider. The client initializes
// from the standard environment variables (DOCKER_HOST, etc.).
func NewDockerProvider(chromeImage string) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if chromeImage == "" {
		chromeImage = DefaultChromeImage
	}
	return &DockerProvider{
		client:     cli,
		image:      chromeImage,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		nextPort:   9222,
	}, nil
}

// Open starts a browser container for the account and waits for its CDP
// endpoint to answer.
func (d *DockerProvider) Open(ctx context.Context, accountID string) (pool.Handle, error) {
	// Pull only when the image is missing locally.
	if _, err := d.client.ImageInspect(ctx, d.image); err != nil {
		reader, err := d.client.ImagePull(ctx, d.image, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("pull image %s: %w", d.image, err)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	d.mu.Lock()
	port := d.nextPort
	d.nextPort++
	d.mu.Unlock()

	cfg := &container.Config{
		Image: d.image,
		Cmd: []string{
			"--no-sandbox",
			fmt.Sprintf("--remote-debugging-port=%d", port),
			"--remote-debugging-address=0.0.0.0",
		},
		Labels: map[string]string{"pubplane.account": accountID},
	}
	hostCfg := &container.HostConfig{NetworkMode: "host"}

	created, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create browser container for %s: %w", accountID, err)
	}
	if err := d.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		d.client.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start browser container for %s: %w", accountID, err)
	}

	handle := &ContainerHandle{
		ContainerID: created.ID,
		CDPURL:      fmt.Sprintf("http://127.0.0.1:%d", port),
	}

	// The browser takes a moment to bring up its debug listener.
	deadline := time.Now().Add(30 * time.Second)
	for {
		if err := d.Probe(ctx, handle); err == nil {
			return handle, nil
		}
		if time.Now().After(deadline) {
			d.Close(context.Background(), handle)
			return nil, fmt.Errorf("browser container for %s never became reachable", accountID)
		}
		select {
		case <-ctx.Done():
			d.Close(context.Background(), handle)
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// Close stops and removes the container.
func (d *DockerProvider) Close(ctx context.Context, h pool.Handle) error {
	timeout := 5
	if err := d.client.ContainerStop(ctx, h.ID(), container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container %s: %w", h.ID(), err)
	}
	if err := d.client.ContainerRemove(ctx, h.ID(), container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container %s: %w", h.ID(), err)
	}
	return nil
}

// Probe checks the CDP version endpoint.
func (d *DockerProvider) Probe(ctx context.Context, h pool.Handle) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.DebugURL()+"/json/version", nil)
	if err != nil {
		return err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", h.ID(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe %s: status %d", h.ID(), resp.StatusCode)
	}
	return nil
}
