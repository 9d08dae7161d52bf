package catalogue

import (
	"context"
	"net/http"
	"sync"

	"icatkit/internal/entity"
	"icatkit/internal/query"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

// Backend is what the service handler serves.
type Backend interface {
	Client
	entity.Introspector
}

// Authenticator checks login credentials.
type Authenticator func(plugin string, credentials map[string]any) error

// ServerOption configures NewHandler.
type ServerOption func(*server)

// WithAuthenticator replaces the default, which accepts every login.
func WithAuthenticator(a Authenticator) ServerOption {
	return func(s *server) { s.auth = a }
}

// WithAPIVersion sets the version reported by GetApiVersion.
func WithAPIVersion(v string) ServerOption {
	return func(s *server) { s.version = v }
}

type server struct {
	backend Backend
	auth    Authenticator
	version string

	mu       sync.Mutex
	sessions map[string]bool
}

// NewHandler serves backend as the catalogue connect service. It returns the
// path prefix to mount the handler on.
func NewHandler(backend Backend, opts ...ServerOption) (string, http.Handler) {
	s := &server{
		backend:  backend,
		auth:     func(string, map[string]any) error { return nil },
		version:  backend.Registry().Version(),
		sessions: map[string]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}
	mux := http.NewServeMux()
	handle := func(proc string, fn func(context.Context, map[string]any) (map[string]any, error), public bool) {
		mux.Handle(proc, connect.NewUnaryHandler(proc, func(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
			in := req.Msg.AsMap()
			if !public && !s.valid(in) {
				return nil, connect.NewError(connect.CodeUnauthenticated, errors.New("invalid session"))
			}
			out, err := fn(ctx, in)
			if err != nil {
				return nil, toConnectError(err)
			}
			msg, err := structpb.NewStruct(out)
			if err != nil {
				return nil, connect.NewError(connect.CodeInternal, err)
			}
			return connect.NewResponse(msg), nil
		}))
	}
	handle(ProcLogin, s.login, true)
	handle(ProcGetAPIVersion, s.apiVersion, true)
	handle(ProcLogout, s.logout, false)
	handle(ProcRefresh, s.refresh, false)
	handle(ProcSearch, s.search, false)
	handle(ProcCreate, s.create, false)
	handle(ProcUpdate, s.update, false)
	handle(ProcGetEntityInfo, s.entityInfo, false)
	return "/" + ServiceName + "/", mux
}

func (s *server) valid(in map[string]any) bool {
	sid, _ := in["sessionId"].(string)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sid]
}

func (s *server) login(_ context.Context, in map[string]any) (map[string]any, error) {
	plugin, _ := in["plugin"].(string)
	creds, _ := in["credentials"].(map[string]any)
	if err := s.auth(plugin, creds); err != nil {
		return nil, errors.Wrap(ErrSession, err.Error())
	}
	sid := uuid.NewString()
	s.mu.Lock()
	s.sessions[sid] = true
	s.mu.Unlock()
	return map[string]any{"sessionId": sid}, nil
}

func (s *server) logout(_ context.Context, in map[string]any) (map[string]any, error) {
	sid, _ := in["sessionId"].(string)
	s.mu.Lock()
	delete(s.sessions, sid)
	s.mu.Unlock()
	return map[string]any{}, nil
}

func (s *server) refresh(context.Context, map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}

func (s *server) apiVersion(context.Context, map[string]any) (map[string]any, error) {
	return map[string]any{"version": s.version}, nil
}

func (s *server) entityInfo(ctx context.Context, in map[string]any) (map[string]any, error) {
	typ, _ := in["entity"].(string)
	ei, err := s.backend.EntityInfo(ctx, typ)
	if err != nil {
		return nil, errors.Wrap(ErrValidation, err.Error())
	}
	return entityInfoToMap(ei), nil
}

func (s *server) search(ctx context.Context, in map[string]any) (map[string]any, error) {
	spec, _ := in["spec"].(map[string]any)
	q, err := query.FromSpec(spec)
	if err != nil {
		return nil, errors.Wrap(ErrValidation, err.Error())
	}
	res, err := s.backend.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	list := make([]any, 0, len(res))
	for _, e := range res {
		m, err := EncodeEntity(e, false)
		if err != nil {
			return nil, err
		}
		list = append(list, m.AsMap())
	}
	return map[string]any{"results": list}, nil
}

func (s *server) decodeEntity(in map[string]any) (*entity.Entity, error) {
	raw, _ := in["entity"].(map[string]any)
	msg, err := structpb.NewStruct(raw)
	if err != nil {
		return nil, errors.Wrap(ErrValidation, err.Error())
	}
	e, err := DecodeEntity(s.backend.Registry(), msg)
	if err != nil {
		return nil, errors.Wrap(ErrValidation, err.Error())
	}
	return e, nil
}

func (s *server) create(ctx context.Context, in map[string]any) (map[string]any, error) {
	e, err := s.decodeEntity(in)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Create(ctx, e); err != nil {
		return nil, err
	}
	return map[string]any{"ids": treeIDs(e)}, nil
}

func (s *server) update(ctx context.Context, in map[string]any) (map[string]any, error) {
	e, err := s.decodeEntity(in)
	if err != nil {
		return nil, err
	}
	return map[string]any{}, s.backend.Update(ctx, e)
}

func toConnectError(err error) error {
	code := connect.CodeInternal
	switch {
	case errors.Is(err, ErrNotFound):
		code = connect.CodeNotFound
	case errors.Is(err, ErrObjectExists):
		code = connect.CodeAlreadyExists
	case errors.Is(err, ErrPermission):
		code = connect.CodePermissionDenied
	case errors.Is(err, ErrValidation), errors.Is(err, ErrAmbiguous):
		code = connect.CodeInvalidArgument
	case errors.Is(err, ErrSession):
		code = connect.CodeUnauthenticated
	}
	return connect.NewError(code, err)
}
