package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// DefaultPDSHost is used when a DID's document does not name an atproto
// PDS, or the DID method is one we cannot dereference. The DID itself is
// authoritative; the endpoint is best-effort.
const DefaultPDSHost = "https://bsky.social"

const defaultPLCDirectory = "https://plc.directory"

// Identity is a resolved login target. Immutable once returned; callers
// re-resolve on every login rather than caching across sessions.
type Identity struct {
	Handle      string
	DID         string
	PDSEndpoint string
}

// IdentityResolver maps a handle or DID to an Identity. Satisfied by
// *Resolver; flows accept the interface so tests can substitute a fixture.
type IdentityResolver interface {
	Resolve(ctx context.Context, identifier string) (*Identity, error)
}

type Resolver struct {
	h            *http.Client
	plcDirectory string
}

type ResolverArgs struct {
	H *http.Client

	// PLCDirectory overrides the public PLC directory address. Used by
	// tests; defaults to plc.directory.
	PLCDirectory string
}

func NewResolver(args ResolverArgs) *Resolver {
	if args.H == nil {
		args.H = &http.Client{Timeout: 5 * time.Second}
	}

	if args.PLCDirectory == "" {
		args.PLCDirectory = defaultPLCDirectory
	}

	return &Resolver{
		h:            args.H,
		plcDirectory: args.PLCDirectory,
	}
}

// Resolve maps a handle or DID to its DID and PDS endpoint. An identifier
// that yields no DID is a hard failure; a DID whose document yields no PDS
// falls back to DefaultPDSHost silently.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (*Identity, error) {
	var did, handle string

	if _, err := syntax.ParseDID(identifier); err == nil {
		did = identifier
	} else {
		if _, err := syntax.ParseHandle(identifier); err != nil {
			return nil, &ResolutionError{Handle: identifier, Err: err}
		}

		handle = identifier
		resolved, err := r.resolveHandle(ctx, handle)
		if err != nil {
			return nil, &ResolutionError{Handle: handle, Err: err}
		}
		did = resolved
	}

	service, err := r.resolveService(ctx, did)
	if err != nil {
		service = DefaultPDSHost
	}

	return &Identity{
		Handle:      handle,
		DID:         did,
		PDSEndpoint: service,
	}, nil
}

func (r *Resolver) resolveHandle(ctx context.Context, handle string) (string, error) {
	var did string

	recs, err := net.LookupTXT(fmt.Sprintf("_atproto.%s", handle))
	if err == nil {
		for _, rec := range recs {
			if strings.HasPrefix(rec, "did=") {
				did = strings.TrimPrefix(rec, "did=")
				break
			}
		}
	}

	if did == "" {
		req, err := http.NewRequestWithContext(
			ctx,
			"GET",
			fmt.Sprintf("https://%s/.well-known/atproto-did", handle),
			nil,
		)
		if err != nil {
			return "", err
		}

		resp, err := r.h.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return "", fmt.Errorf("unable to resolve handle")
		}

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", err
		}

		did = strings.TrimSpace(string(b))
	}

	if _, err := syntax.ParseDID(did); err != nil {
		return "", fmt.Errorf("handle did not resolve to a valid did")
	}

	return did, nil
}

func (r *Resolver) resolveService(ctx context.Context, did string) (string, error) {
	type didDocument struct {
		Service []struct {
			ID              string `json:"id"`
			Type            string `json:"type"`
			ServiceEndpoint string `json:"serviceEndpoint"`
		} `json:"service"`
	}

	var ustr string
	if strings.HasPrefix(did, "did:plc:") {
		ustr = fmt.Sprintf("%s/%s", r.plcDirectory, did)
	} else if strings.HasPrefix(did, "did:web:") {
		ustr = fmt.Sprintf("https://%s/.well-known/did.json", strings.TrimPrefix(did, "did:web:"))
	} else {
		return "", fmt.Errorf("did method cannot be dereferenced")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", ustr, nil)
	if err != nil {
		return "", err
	}

	resp, err := r.h.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("could not fetch did document")
	}

	var doc didDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", err
	}

	for _, svc := range doc.Service {
		if svc.ID == "#atproto_pds" && svc.Type == "AtprotoPersonalDataServer" {
			return svc.ServiceEndpoint, nil
		}
	}

	return "", fmt.Errorf("did document does not name an atproto pds")
}
