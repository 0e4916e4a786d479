// Package engine wires every service, store, and tool package into one
// running mailmcpd instance: construction order mirrors each package's
// dependency chain (store, then archive/wbq/cache, then the domain
// services, then the MCP registry and the tool/resource surfaces bolted
// onto it).
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mail-mcp/mailmcpd/internal/archive"
	"github.com/mail-mcp/mailmcpd/internal/cache"
	"github.com/mail-mcp/mailmcpd/internal/config"
	"github.com/mail-mcp/mailmcpd/internal/identity"
	"github.com/mail-mcp/mailmcpd/internal/mail"
	"github.com/mail-mcp/mailmcpd/internal/mcp"
	"github.com/mail-mcp/mailmcpd/internal/products"
	"github.com/mail-mcp/mailmcpd/internal/reservations"
	"github.com/mail-mcp/mailmcpd/internal/resources"
	"github.com/mail-mcp/mailmcpd/internal/scheduler"
	"github.com/mail-mcp/mailmcpd/internal/search"
	"github.com/mail-mcp/mailmcpd/internal/store"
	toolsidentity "github.com/mail-mcp/mailmcpd/internal/tools/identity"
	toolsmail "github.com/mail-mcp/mailmcpd/internal/tools/mail"
	toolsproducts "github.com/mail-mcp/mailmcpd/internal/tools/products"
	toolsreservations "github.com/mail-mcp/mailmcpd/internal/tools/reservations"
	toolssearch "github.com/mail-mcp/mailmcpd/internal/tools/search"
	toolssystem "github.com/mail-mcp/mailmcpd/internal/tools/system"
	"github.com/mail-mcp/mailmcpd/internal/wbq"
)

const reservationSweepInterval = 10 * time.Minute

// Engine owns every long-lived collaborator for one mailmcpd process.
type Engine struct {
	Config *config.Config
	Logger *slog.Logger

	Store   *store.Store
	Archive *archive.Archive
	WBQ     *wbq.Queue
	Cache   *cache.Cache

	Identity     *identity.Service
	Mail         *mail.Service
	Reservations *reservations.Service
	Search       *search.Service
	Products     *products.Service
	BuildSlots   *products.BuildSlots

	Registry  *mcp.Registry
	Server    *mcp.Server
	Scheduler *scheduler.Scheduler
}

// New builds every collaborator for cfg and registers the full tool and
// resource surface, but does not start the scheduler or serve traffic.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.Store.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	arc, err := archive.New(cfg.Store.StorageRoot)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open archive: %w", err)
	}

	q := wbq.New(logger, time.Duration(cfg.WBQ.EnqueueDeadlineMS)*time.Millisecond, cfg.WBQ.LaneDepth)
	c := cache.New()

	identitySvc := identity.New(st)
	mailSvc := mail.New(st, identitySvc, arc, c, q)
	reservationsSvc := reservations.New(st, arc, c, q)
	searchSvc := search.New(st)
	productsSvc := products.New(st, c)
	buildSlots := products.NewBuildSlots(st, arc, c, q)

	reg := mcp.NewRegistry()

	resources.Register(reg, resources.Deps{Store: st, Mail: mailSvc, Archive: arc})

	toolsidentity.Register(reg, identitySvc)
	toolsmail.Register(reg, toolsmail.Deps{Mail: mailSvc, Identity: identitySvc})
	toolsreservations.Register(reg, toolsreservations.Deps{Identity: identitySvc, Reservations: reservationsSvc})
	toolssearch.Register(reg, toolssearch.Deps{Store: st, Identity: identitySvc, Search: searchSvc, Products: productsSvc})
	toolsproducts.Register(reg, toolsproducts.Deps{Identity: identitySvc, Mail: mailSvc, Products: productsSvc, BuildSlots: buildSlots})
	toolssystem.Register(reg, toolssystem.Deps{Store: st, Identity: identitySvc, Version: cfg.Server.Version})

	info := mcp.ServerInfo{Name: cfg.Server.Name, Version: cfg.Server.Version}
	server := mcp.NewServer(reg, info, logger)

	sched := scheduler.NewScheduler(logger)
	sched.AddJob(reservationsSvc, reservationSweepInterval)

	return &Engine{
		Config:       cfg,
		Logger:       logger,
		Store:        st,
		Archive:      arc,
		WBQ:          q,
		Cache:        c,
		Identity:     identitySvc,
		Mail:         mailSvc,
		Reservations: reservationsSvc,
		Search:       searchSvc,
		Products:     productsSvc,
		BuildSlots:   buildSlots,
		Registry:     reg,
		Server:       server,
		Scheduler:    sched,
	}, nil
}

// Run starts the background scheduler and then blocks, serving the
// configured transport until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.Scheduler.Start(ctx)
	defer e.Scheduler.Stop()

	switch e.Config.Transport.Mode {
	case "http":
		httpServer := mcp.NewHTTPServer(e.Server, e.Config.Transport.CORSOrigins, e.Logger)
		addr := e.Config.Transport.Host + ":" + e.Config.Transport.Port
		srv := &http.Server{Addr: addr, Handler: httpServer.Handler()}

		errCh := make(chan error, 1)
		go func() {
			e.Logger.Info("listening", "addr", addr, "mode", "http")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
				return
			}
			errCh <- nil
		}()

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		}
	default:
		e.Logger.Info("serving", "mode", "stdio")
		return e.Server.Run(ctx)
	}
}

// Close releases the store and write-behind queue.
func (e *Engine) Close() error {
	e.WBQ.Close()
	return e.Store.Close()
}
