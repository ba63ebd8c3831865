package acmeengine

import (
	"context"
	"crypto"

	"golang.org/x/crypto/acme"
)

// Client is the subset of the ACME wire protocol the engine drives. The
// production implementation delegates to golang.org/x/crypto/acme; tests
// substitute a fake.
type Client interface {
	Discover(ctx context.Context) (acme.Directory, error)
	Register(ctx context.Context, acct *acme.Account, prompt func(tosURL string) bool) (*acme.Account, error)
	AuthorizeOrder(ctx context.Context, ids []acme.AuthzID) (*acme.Order, error)
	GetOrder(ctx context.Context, url string) (*acme.Order, error)
	GetAuthorization(ctx context.Context, url string) (*acme.Authorization, error)
	Accept(ctx context.Context, chal *acme.Challenge) (*acme.Challenge, error)
	WaitOrder(ctx context.Context, url string) (*acme.Order, error)
	CreateOrderCert(ctx context.Context, finalizeURL string, csr []byte, bundle bool) ([][]byte, string, error)
	HTTP01ChallengeResponse(token string) (string, error)
	DNS01ChallengeRecord(token string) (string, error)
	RevokeCert(ctx context.Context, key crypto.Signer, cert []byte, reason acme.CRLReasonCode) error
}

// NewClientFunc builds a Client bound to an account key.
type NewClientFunc func(key crypto.Signer) Client

// NewWireClient returns a NewClientFunc producing real ACME clients
// against the given directory URL.
func NewWireClient(directoryURL string) NewClientFunc {
	return func(key crypto.Signer) Client {
		return &wireClient{c: &acme.Client{Key: key, DirectoryURL: directoryURL}}
	}
}

// wireClient adapts *acme.Client to the Client interface (AuthorizeOrder
// is variadic on the concrete type).
type wireClient struct {
	c *acme.Client
}

func (w *wireClient) Discover(ctx context.Context) (acme.Directory, error) {
	return w.c.Discover(ctx)
}

func (w *wireClient) Register(ctx context.Context, acct *acme.Account, prompt func(tosURL string) bool) (*acme.Account, error) {
	return w.c.Register(ctx, acct, prompt)
}

func (w *wireClient) AuthorizeOrder(ctx context.Context, ids []acme.AuthzID) (*acme.Order, error) {
	return w.c.AuthorizeOrder(ctx, ids)
}

func (w *wireClient) GetOrder(ctx context.Context, url string) (*acme.Order, error) {
	return w.c.GetOrder(ctx, url)
}

func (w *wireClient) GetAuthorization(ctx context.Context, url string) (*acme.Authorization, error) {
	return w.c.GetAuthorization(ctx, url)
}

func (w *wireClient) Accept(ctx context.Context, chal *acme.Challenge) (*acme.Challenge, error) {
	return w.c.Accept(ctx, chal)
}

func (w *wireClient) WaitOrder(ctx context.Context, url string) (*acme.Order, error) {
	return w.c.WaitOrder(ctx, url)
}

func (w *wireClient) CreateOrderCert(ctx context.Context, finalizeURL string, csr []byte, bundle bool) ([][]byte, string, error) {
	return w.c.CreateOrderCert(ctx, finalizeURL, csr, bundle)
}

func (w *wireClient) HTTP01ChallengeResponse(token string) (string, error) {
	return w.c.HTTP01ChallengeResponse(token)
}

func (w *wireClient) DNS01ChallengeRecord(token string) (string, error) {
	return w.c.DNS01ChallengeRecord(token)
}

func (w *wireClient) RevokeCert(ctx context.Context, key crypto.Signer, cert []byte, reason acme.CRLReasonCode) error {
	return w.c.RevokeCert(ctx, key, cert, reason)
}
