package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/filesystem"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Addr             string
	CacheDir         string
	Channel          *MethodChannel
	Permissions      *PermissionBroker
	OnBeforeShutdown func()
	OnReady          func(addr string)
}

type WebApp struct {
	config       Config
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

func NewWebApp(config Config) *WebApp {
	if config.Addr == "" {
		config.Addr = "localhost:0"
	}
	return &WebApp{
		config:     config,
		shutdownCh: make(chan struct{}),
	}
}

func (a *WebApp) Shutdown() {
	a.shutdownOnce.Do(func() {
		close(a.shutdownCh)
	})
}

func (a *WebApp) newRouter(ctx context.Context) *fiber.App {
	webapp := fiber.New(fiber.Config{
		Immutable:             true,
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			log.Ctx(ctx).Error().
				Err(err).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Msg("Request failed")
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				if fiberErr.Code == http.StatusNotFound && c.Path() == "/favicon.ico" {
					return nil
				}
				return c.Status(fiberErr.Code).JSON(fiber.Map{"error": fiberErr.Message})
			}
			return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		},
	})

	webapp.Post("/api/channel/:method", func(c *fiber.Ctx) error {
		method := c.Params("method")
		res := NewReplyResult()
		a.config.Channel.Handle(ctx, method, c.Body(), res)

		reply, err := res.Wait(c.UserContext())
		if err != nil {
			return err
		}
		switch {
		case reply.NotImplemented:
			return fiber.NewError(http.StatusNotImplemented, fmt.Sprintf("method %q not implemented", method))
		case reply.Error != nil:
			return c.Status(http.StatusUnprocessableEntity).JSON(reply.Error)
		default:
			return c.JSON(fiber.Map{"result": reply.Value})
		}
	})

	filesRoot := http.Dir(a.config.CacheDir)
	webapp.Get("/api/view", func(c *fiber.Ctx) error {
		filePath := c.Query("file")
		return filesystem.SendFile(c, filesRoot, filePath)
	})

	webapp.Get("/api/permissions", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"pending": a.config.Permissions.Pending()})
	})

	webapp.Post("/api/permissions/:id", func(c *fiber.Ctx) error {
		var request struct {
			Grants Grants `json:"grants"`
		}
		if err := c.BodyParser(&request); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}

		if err := a.config.Permissions.Resolve(c.Params("id"), request.Grants); err != nil {
			if errors.Is(err, ErrUnknownPermissionRequest) {
				return fiber.NewError(http.StatusNotFound, err.Error())
			}
			return err
		}

		return c.SendStatus(http.StatusNoContent)
	})

	webapp.Post("/api/shutdown", func(c *fiber.Ctx) error {
		a.Shutdown()
		return nil
	})

	return webapp
}

func (a *WebApp) Run(ctx context.Context) error {
	webapp := a.newRouter(ctx)

	webapp.Hooks().OnListen(func(listen fiber.ListenData) error {
		if fn := a.config.OnReady; fn != nil {
			fn(fmt.Sprintf("http://%s:%s", listen.Host, listen.Port))
		}
		return nil
	})

	go func() {
		select {
		case <-ctx.Done():
		case <-a.shutdownCh:
		}
		if fn := a.config.OnBeforeShutdown; fn != nil {
			fn()
		}
		if err := webapp.ShutdownWithTimeout(5 * time.Second); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("Failed to shutdown web application")
		}
	}()

	listener, err := net.Listen("tcp", a.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	// Use the listener that was already created
	if err := webapp.Listener(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
