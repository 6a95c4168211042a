package main

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/acme/dental-outreach/internal/app"
)

type commandContext struct {
	configFlag *string

	once      sync.Once
	container *app.Container
	err       error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureContainer(ctx context.Context) (*app.Container, error) {
	c.once.Do(func() {
		path := strings.TrimSpace(*c.configFlag)
		c.container, c.err = app.Build(ctx, path)
	})
	return c.container, c.err
}

// ensureReady builds the container and loads the retry policy.
func (c *commandContext) ensureReady(ctx context.Context) (*app.Container, error) {
	container, err := c.ensureContainer(ctx)
	if err != nil {
		return nil, err
	}
	if err := container.LoadSettings(ctx); err != nil {
		return nil, err
	}
	return container, nil
}

func (c *commandContext) close(ctx context.Context) error {
	if c.container == nil {
		return nil
	}
	return c.container.Close(ctx)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
