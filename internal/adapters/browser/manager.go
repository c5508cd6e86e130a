package browser

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"sitescope/internal/core/domain"
	"sitescope/internal/core/ports"
)

const (
	labelManaged = "sitescope.managed"
	labelJobID   = "sitescope.job_id"

	cdpPort = "9222"

	// DefaultImage is the headless Chrome image launched per session.
	DefaultImage = "chromedp/headless-shell:latest"
)

// Manager provides browser sessions as throwaway Docker containers. One
// container per job, created on Acquire and force-removed on Release.
type Manager struct {
	cli    *client.Client
	logger *slog.Logger
	image  string
}

func NewManager(logger *slog.Logger, browserImage string) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if browserImage == "" {
		browserImage = DefaultImage
	}
	return &Manager{cli: cli, logger: logger, image: browserImage}, nil
}

var _ ports.BrowserSessions = (*Manager)(nil)

func (m *Manager) Acquire(ctx context.Context, jobID domain.JobID) (domain.Session, error) {
	id := domain.SessionID(uuid.New().String())

	cfg := &container.Config{
		Image: m.image,
		Cmd: []string{
			"--remote-debugging-address=0.0.0.0",
			"--remote-debugging-port=" + cdpPort,
			"--no-sandbox",
			"--disable-gpu",
		},
		Labels: map[string]string{
			labelManaged: "true",
			labelJobID:   string(jobID),
		},
	}
	hostCfg := &container.HostConfig{
		AutoRemove: false, // removal is explicit so Release stays observable
		Resources: container.Resources{
			Memory: 1 << 30, // 1GiB per Chrome instance
		},
	}

	name := containerName(id)
	resp, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if client.IsErrNotFound(err) {
		reader, pullErr := m.cli.ImagePull(ctx, m.image, image.PullOptions{})
		if pullErr != nil {
			return domain.Session{}, fmt.Errorf("failed to pull image %s: %w", m.image, pullErr)
		}
		io.Copy(io.Discard, reader) //nolint:errcheck
		reader.Close()
		resp, err = m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("failed to create browser container: %w", err)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return domain.Session{}, fmt.Errorf("failed to start browser container: %w", err)
	}

	inspect, err := m.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		_ = m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return domain.Session{}, fmt.Errorf("failed to inspect browser container: %w", err)
	}

	addr := inspect.NetworkSettings.IPAddress
	if addr == "" {
		for _, netw := range inspect.NetworkSettings.Networks {
			if netw.IPAddress != "" {
				addr = netw.IPAddress
				break
			}
		}
	}
	if addr == "" {
		_ = m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return domain.Session{}, fmt.Errorf("browser container %s has no network address", name)
	}

	m.logger.Info("browser session acquired", "session_id", id, "job_id", jobID, "endpoint", addr)

	return domain.Session{
		ID:       id,
		JobID:    jobID,
		Endpoint: fmt.Sprintf("http://%s:%s", addr, cdpPort),
	}, nil
}

// Release removes the session's container. Idempotent: a session that is
// already gone counts as released.
func (m *Manager) Release(ctx context.Context, id domain.SessionID) error {
	err := m.cli.ContainerRemove(ctx, containerName(id), container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove browser container: %w", err)
	}
	m.logger.Info("browser session released", "session_id", id)
	return nil
}

// List returns all sessions this manager's label scheme knows about,
// including those left behind by a previous process.
func (m *Manager) List(ctx context.Context) ([]domain.Session, error) {
	args := filters.NewArgs()
	args.Add("label", labelManaged+"=true")

	containers, err := m.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list browser containers: %w", err)
	}

	var sessions []domain.Session
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		sessions = append(sessions, domain.Session{
			ID:    sessionIDFromName(name),
			JobID: domain.JobID(c.Labels[labelJobID]),
		})
	}
	return sessions, nil
}

func containerName(id domain.SessionID) string {
	return "sitescope-session-" + string(id)
}

func sessionIDFromName(name string) domain.SessionID {
	const prefix = "/sitescope-session-"
	if len(name) > len(prefix) && name[:len(prefix)] == prefix {
		return domain.SessionID(name[len(prefix):])
	}
	return domain.SessionID(name)
}
