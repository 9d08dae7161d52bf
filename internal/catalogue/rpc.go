package catalogue

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"icatkit/internal/entity"
	"icatkit/internal/query"

	"connectrpc.com/connect"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the connect service exposing the catalogue.
const ServiceName = "icat.v1.CatalogueService"

const (
	ProcLogin         = "/" + ServiceName + "/Login"
	ProcLogout        = "/" + ServiceName + "/Logout"
	ProcRefresh       = "/" + ServiceName + "/Refresh"
	ProcSearch        = "/" + ServiceName + "/Search"
	ProcCreate        = "/" + ServiceName + "/Create"
	ProcUpdate        = "/" + ServiceName + "/Update"
	ProcGetEntityInfo = "/" + ServiceName + "/GetEntityInfo"
	ProcGetAPIVersion = "/" + ServiceName + "/GetApiVersion"
)

var procedures = []string{
	ProcLogin, ProcLogout, ProcRefresh, ProcSearch,
	ProcCreate, ProcUpdate, ProcGetEntityInfo, ProcGetAPIVersion,
}

// RPCConfig configures the remote client.
type RPCConfig struct {
	URL string
	// H2C speaks cleartext HTTP/2, for servers behind a plain-text proxy.
	H2C        bool
	Timeout    time.Duration
	HTTPClient *http.Client
}

// RPCClient is the Client backed by the catalogue service.
type RPCClient struct {
	clients map[string]*connect.Client[structpb.Struct, structpb.Struct]

	mu      sync.RWMutex
	session string
	reg     *entity.Registry
}

func NewRPCClient(cfg RPCConfig) (*RPCClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, errors.New("catalogue url is empty")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
		if cfg.H2C {
			hc.Transport = &http2.Transport{
				AllowHTTP: true,
				DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, network, addr)
				},
			}
		}
	}
	c := &RPCClient{clients: make(map[string]*connect.Client[structpb.Struct, structpb.Struct], len(procedures))}
	for _, p := range procedures {
		c.clients[p] = connect.NewClient[structpb.Struct, structpb.Struct](hc, base+p)
	}
	return c, nil
}

// UseRegistry sets the schema used to decode results.
func (c *RPCClient) UseRegistry(reg *entity.Registry) {
	c.mu.Lock()
	c.reg = reg
	c.mu.Unlock()
}

func (c *RPCClient) Registry() *entity.Registry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reg
}

func (c *RPCClient) sessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *RPCClient) call(ctx context.Context, proc string, fields map[string]any) (*structpb.Struct, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	if sid := c.sessionID(); sid != "" {
		if _, ok := fields["sessionId"]; !ok {
			fields["sessionId"] = sid
		}
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s request", proc)
	}
	res, err := c.clients[proc].CallUnary(ctx, connect.NewRequest(msg))
	if err != nil {
		return nil, fromConnectError(proc, err)
	}
	return res.Msg, nil
}

// Login opens a session with the given authenticator plugin.
func (c *RPCClient) Login(ctx context.Context, plugin string, credentials map[string]string) error {
	creds := make(map[string]any, len(credentials))
	for k, v := range credentials {
		creds[k] = v
	}
	res, err := c.call(ctx, ProcLogin, map[string]any{"plugin": plugin, "credentials": creds})
	if err != nil {
		return err
	}
	sid := res.GetFields()["sessionId"].GetStringValue()
	if sid == "" {
		return errors.Wrap(ErrSession, "login returned no session id")
	}
	c.mu.Lock()
	c.session = sid
	c.mu.Unlock()
	return nil
}

func (c *RPCClient) Logout(ctx context.Context) error {
	if c.sessionID() == "" {
		return nil
	}
	_, err := c.call(ctx, ProcLogout, nil)
	c.mu.Lock()
	c.session = ""
	c.mu.Unlock()
	return err
}

// Refresh extends the session lifetime.
func (c *RPCClient) Refresh(ctx context.Context) error {
	if c.sessionID() == "" {
		return errors.Wrap(ErrSession, "not logged in")
	}
	_, err := c.call(ctx, ProcRefresh, nil)
	return err
}

func (c *RPCClient) APIVersion(ctx context.Context) (string, error) {
	res, err := c.call(ctx, ProcGetAPIVersion, nil)
	if err != nil {
		return "", err
	}
	return res.GetFields()["version"].GetStringValue(), nil
}

func (c *RPCClient) EntityInfo(ctx context.Context, typ string) (*entity.EntityInfo, error) {
	res, err := c.call(ctx, ProcGetEntityInfo, map[string]any{"entity": typ})
	if err != nil {
		return nil, err
	}
	return entityInfoFromStruct(res), nil
}

func (c *RPCClient) Search(ctx context.Context, q *query.Query) ([]*entity.Entity, error) {
	reg := c.Registry()
	if reg == nil {
		return nil, errors.New("no schema registry")
	}
	res, err := c.call(ctx, ProcSearch, map[string]any{"query": q.String(), "spec": q.Spec()})
	if err != nil {
		return nil, err
	}
	return DecodeEntities(reg, res.GetFields()["results"].GetListValue())
}

func (c *RPCClient) Create(ctx context.Context, e *entity.Entity) error {
	msg, err := EncodeEntity(e, true)
	if err != nil {
		return err
	}
	res, err := c.call(ctx, ProcCreate, map[string]any{"entity": msg.AsMap()})
	if err != nil {
		return err
	}
	return assignTreeIDs(e, res.GetFields()["ids"].GetListValue().AsSlice())
}

func (c *RPCClient) Update(ctx context.Context, e *entity.Entity) error {
	msg, err := EncodeEntity(e.Bare(), true)
	if err != nil {
		return err
	}
	fields := msg.AsMap()
	for _, name := range e.Info().OneRelations() {
		if t := e.Rel(name); t != nil {
			fields[name] = refMap(t)
		}
	}
	_, err = c.call(ctx, ProcUpdate, map[string]any{"entity": fields})
	return err
}

func (c *RPCClient) ResolveByUniqueKey(ctx context.Context, key string) (*entity.Entity, error) {
	reg := c.Registry()
	if reg == nil {
		return nil, errors.New("no schema registry")
	}
	return ResolveUniqueKey(ctx, c, reg, key)
}

func (c *RPCClient) ConstraintAttributes(typ string) ([]string, error) {
	return constraintAttributes(c.Registry(), typ)
}

func fromConnectError(proc string, err error) error {
	op := proc[strings.LastIndexByte(proc, '/')+1:]
	msg := err.Error()
	var ce *connect.Error
	if errors.As(err, &ce) {
		msg = ce.Message()
	}
	switch connect.CodeOf(err) {
	case connect.CodeNotFound:
		return errors.Wrap(ErrNotFound, msg)
	case connect.CodeAlreadyExists:
		return errors.Wrap(ErrObjectExists, msg)
	case connect.CodePermissionDenied:
		return errors.Wrap(ErrPermission, msg)
	case connect.CodeInvalidArgument:
		return errors.Wrap(ErrValidation, msg)
	case connect.CodeUnauthenticated:
		return errors.Wrap(ErrSession, msg)
	}
	return &RemoteError{Op: op, Code: connect.CodeOf(err).String(), Message: msg}
}

func entityInfoFromStruct(s *structpb.Struct) *entity.EntityInfo {
	f := s.GetFields()
	ei := &entity.EntityInfo{}
	for _, v := range f["constraint"].GetListValue().GetValues() {
		ei.Constraint = append(ei.Constraint, v.GetStringValue())
	}
	for _, v := range f["fields"].GetListValue().GetValues() {
		ff := v.GetStructValue().GetFields()
		ei.Fields = append(ei.Fields, entity.FieldInfo{
			Name:     ff["name"].GetStringValue(),
			Type:     ff["type"].GetStringValue(),
			Relation: entity.RelType(ff["relation"].GetStringValue()),
			NotNull:  ff["notNull"].GetBoolValue(),
			Inverse:  ff["inverse"].GetStringValue(),
		})
	}
	return ei
}

func entityInfoToMap(ei *entity.EntityInfo) map[string]any {
	constraint := make([]any, 0, len(ei.Constraint))
	for _, c := range ei.Constraint {
		constraint = append(constraint, c)
	}
	fields := make([]any, 0, len(ei.Fields))
	for _, f := range ei.Fields {
		fields = append(fields, map[string]any{
			"name":     f.Name,
			"type":     f.Type,
			"relation": string(f.Relation),
			"notNull":  f.NotNull,
			"inverse":  f.Inverse,
		})
	}
	return map[string]any{"constraint": constraint, "fields": fields}
}
