package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/and161185/mdmkeeper/internal/config"
	"github.com/and161185/mdmkeeper/internal/crypto"
	"github.com/and161185/mdmkeeper/internal/rpc"
)

const controlTokenTTL = 30 * time.Minute

// ---- config dir ----

// appFile remembers the application identifiers of the last login.
// No credential is ever written; the daemon keeps those in memory.
type appFile struct {
	ClientID string `json:"client_id"`
	TenantID string `json:"tenant_id"`
}

func cfgDir() string { return config.Dir() }

func appPath() string { return filepath.Join(cfgDir(), "app.json") }

func saveApp(clientID, tenantID string) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(appFile{ClientID: clientID, TenantID: tenantID}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(appPath(), b, 0o600)
}

func loadApp() (appFile, error) {
	b, err := os.ReadFile(appPath())
	if err != nil {
		return appFile{}, err
	}
	var af appFile
	if err := json.Unmarshal(b, &af); err != nil {
		return appFile{}, err
	}
	if af.ClientID == "" || af.TenantID == "" {
		return appFile{}, errors.New("no saved application (pass -client and -tenant)")
	}
	return af, nil
}

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

type connOpts struct {
	addr       string
	caPath     string
	skipVerify bool
	useTLS     bool
	controlKey string
	operator   string
}

// secure reports whether to dial with TLS. The daemon serves plaintext on
// loopback unless it was given a certificate, so TLS is opt-in.
func (o connOpts) secure() bool { return o.useTLS || o.caPath != "" || o.skipVerify }

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

// controlToken signs a short-lived operator token with the shared control key.
func controlToken(keyPath, operator string) (string, error) {
	secret, err := crypto.LoadOrCreateSecret(keyPath)
	if err != nil {
		return "", err
	}
	key, err := crypto.DeriveSigningKey(secret)
	if err != nil {
		return "", err
	}
	return crypto.SignOperatorToken(key, operator, controlTokenTTL)
}

func dial(o connOpts) (*grpc.ClientConn, *rpc.Client, error) {
	tok, err := controlToken(o.controlKey, o.operator)
	if err != nil {
		return nil, nil, fmt.Errorf("control token: %w", err)
	}
	var tc credentials.TransportCredentials
	if !o.secure() {
		tc = insecure.NewCredentials()
	} else if tc, err = loadTLS(o.caPath, o.skipVerify); err != nil {
		return nil, nil, err
	}
	cc, err := grpc.NewClient(o.addr,
		grpc.WithTransportCredentials(tc),
		grpc.WithPerRPCCredentials(bearerCreds{token: tok, secure: o.secure()}),
	)
	if err != nil {
		return nil, nil, err
	}
	return cc, rpc.NewClient(cc), nil
}

// ---- output ----

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	if s, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
