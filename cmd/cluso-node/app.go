package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/logging"
)

// commandApp runs an external process while this node is the primary.
type commandApp struct {
	cfg    AppSection
	env    []string
	logger logging.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

func newCommandApp(cfg AppSection, appPort int, sharedRoot string, logger logging.Logger) *commandApp {
	return &commandApp{
		cfg: cfg,
		env: append(os.Environ(),
			"CLUSO_APP_PORT="+strconv.Itoa(appPort),
			"CLUSO_SHARED_ROOT="+sharedRoot,
		),
		logger: logger.With(logging.Component("application")),
	}
}

func (a *commandApp) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cmd != nil {
		return nil
	}

	cmd := exec.Command(a.cfg.Command, a.cfg.Args...)
	cmd.Dir = a.cfg.Dir
	cmd.Env = a.env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", a.cfg.Command, err)
	}

	done := make(chan struct{})
	a.cmd, a.done = cmd, done
	a.logger.Info("application started", logging.Int("pid", cmd.Process.Pid))

	go func() {
		err := cmd.Wait()
		close(done)
		a.mu.Lock()
		if a.cmd == cmd {
			a.cmd, a.done = nil, nil
		}
		a.mu.Unlock()
		if err != nil {
			a.logger.Warn("application exited", logging.Error(err))
		} else {
			a.logger.Info("application exited")
		}
	}()
	return nil
}

// Stop sends SIGTERM and kills the process if it outlives StopTimeout.
func (a *commandApp) Stop(ctx context.Context) error {
	a.mu.Lock()
	cmd, done := a.cmd, a.done
	a.mu.Unlock()
	if cmd == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to signal application: %w", err)
	}

	timer := time.NewTimer(a.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	a.logger.Warn("application did not stop in time, killing",
		logging.Duration("timeout", a.cfg.StopTimeout))
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-done
	return nil
}
