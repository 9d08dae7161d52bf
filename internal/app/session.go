package app

import (
	"context"
	"strings"
	"time"

	"icatkit/internal/catalogue"
	"icatkit/internal/config"
	"icatkit/internal/entity"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SchemaRemote asks the catalogue to describe its entity types instead of
// using the built-in schema.
const SchemaRemote = "remote"

const keyCacheSize = 4096

// Session is a logged-in catalogue connection.
type Session struct {
	RPC        *catalogue.RPCClient
	Client     catalogue.Client
	Registry   *entity.Registry
	APIVersion string

	log *zap.Logger
}

// Connect logs in to the catalogue named by cfg and selects the schema
// matching the server version.
func Connect(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Session, error) {
	if err := cfg.RequireCatalogue(); err != nil {
		return nil, err
	}
	rpc, err := catalogue.NewRPCClient(catalogue.RPCConfig{URL: cfg.URL, H2C: cfg.H2C, Timeout: 5 * time.Minute})
	if err != nil {
		return nil, err
	}
	version, err := rpc.APIVersion(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "ask server version")
	}
	creds := map[string]string{}
	if cfg.Username != "" {
		creds["username"] = cfg.Username
	}
	if cfg.Password != "" {
		creds["password"] = cfg.Password
	}
	if err := rpc.Login(ctx, cfg.Auth, creds); err != nil {
		return nil, errors.Wrapf(err, "login to %s", cfg.URL)
	}
	s := &Session{RPC: rpc, APIVersion: version, log: log}
	reg, err := s.loadRegistry(ctx, cfg.Schema)
	if err != nil {
		_ = rpc.Logout(ctx)
		return nil, err
	}
	rpc.UseRegistry(reg)
	s.Registry = reg
	s.Client = catalogue.Wrap(rpc, catalogue.WithLogging(log), catalogue.WithKeyCache(keyCacheSize))
	log.Info("connected",
		zap.String("url", cfg.URL),
		zap.String("version", version),
		zap.String("schema", reg.Version()),
		zap.Int("types", len(reg.Types())))
	return s, nil
}

func (s *Session) loadRegistry(ctx context.Context, schema string) (*entity.Registry, error) {
	switch {
	case strings.EqualFold(schema, SchemaRemote):
		base, err := entity.DefaultRegistry(s.APIVersion)
		if err != nil {
			return nil, err
		}
		reg, err := entity.LoadRegistry(ctx, s.RPC, s.APIVersion, base.Types())
		return reg, errors.Wrap(err, "load remote schema")
	case schema != "":
		return entity.DefaultRegistry(schema)
	default:
		return entity.DefaultRegistry(s.APIVersion)
	}
}

// KeepAlive refreshes the session. It has the signature of a chunk done
// callback.
func (s *Session) KeepAlive(ctx context.Context, chunk int) error {
	if err := s.RPC.Refresh(ctx); err != nil {
		return errors.Wrap(err, "refresh session")
	}
	s.log.Debug("session refreshed", zap.Int("chunk", chunk))
	return nil
}

func (s *Session) Close(ctx context.Context) {
	if err := s.RPC.Logout(ctx); err != nil {
		s.log.Warn("logout failed", zap.Error(err))
	}
}
