package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/RhizApp/rhizproto/pkg/common"
	"github.com/RhizApp/rhizproto/pkg/logger"
)

const didDocCacheTTL = time.Hour

// HTTPResolver resolves did:plc and did:web identifiers over HTTP and caches
// resolved documents for an hour. It is safe for concurrent use.
type HTTPResolver struct {
	PLCDirectoryURL string
	Client          *http.Client

	mu    sync.Mutex
	cache map[string]cachedIdentity
}

type cachedIdentity struct {
	identity Identity
	fetched  time.Time
}

// NewHTTPResolver creates a resolver against the given PLC directory.
// An empty directoryURL falls back to the public directory.
func NewHTTPResolver(directoryURL string) *HTTPResolver {
	if directoryURL == "" {
		directoryURL = "https://plc.directory"
	}
	return &HTTPResolver{
		PLCDirectoryURL: strings.TrimSuffix(directoryURL, "/"),
		Client:          &http.Client{Timeout: 10 * time.Second},
		cache:           make(map[string]cachedIdentity),
	}
}

// didDocument is the subset of a DID document we read.
type didDocument struct {
	ID                 string `json:"id"`
	AlsoKnownAs        []string `json:"alsoKnownAs"`
	VerificationMethod []struct {
		ID           string `json:"id"`
		Type         string `json:"type"`
		PublicKeyJWK *struct {
			Kty string `json:"kty"`
			Crv string `json:"crv"`
			X   string `json:"x"`
		} `json:"publicKeyJwk"`
	} `json:"verificationMethod"`
	Service []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

func (r *HTTPResolver) Resolve(ctx context.Context, did string) (Identity, error) {
	r.mu.Lock()
	if entry, ok := r.cache[did]; ok && time.Since(entry.fetched) < didDocCacheTTL {
		r.mu.Unlock()
		return entry.identity, nil
	}
	r.mu.Unlock()

	url, err := r.documentURL(did)
	if err != nil {
		return Identity{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Identity{}, err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("did resolution failed for %s: %w", did, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Identity{}, fmt.Errorf("%w: %s", common.ErrUnknownIdentity, did)
	}
	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("did resolution for %s returned status %d", did, resp.StatusCode)
	}

	var doc didDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return Identity{}, fmt.Errorf("failed to decode did document for %s: %w", did, err)
	}

	ident, err := identityFromDocument(did, doc)
	if err != nil {
		return Identity{}, err
	}

	r.mu.Lock()
	r.cache[did] = cachedIdentity{identity: ident, fetched: time.Now()}
	r.mu.Unlock()

	logger.Debug("[Identity] Resolved DID", "did", did, "profile", ident.ProfileLocation)
	return ident, nil
}

func (r *HTTPResolver) documentURL(did string) (string, error) {
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		return fmt.Sprintf("%s/%s", r.PLCDirectoryURL, did), nil
	case strings.HasPrefix(did, "did:web:"):
		domain := strings.TrimPrefix(did, "did:web:")
		return fmt.Sprintf("https://%s/.well-known/did.json", domain), nil
	default:
		return "", fmt.Errorf("%w: unsupported did method in %s", common.ErrUnknownIdentity, did)
	}
}

func identityFromDocument(did string, doc didDocument) (Identity, error) {
	ident := Identity{DID: did}

	for _, aka := range doc.AlsoKnownAs {
		if handle, ok := strings.CutPrefix(aka, "at://"); ok {
			ident.Handle = handle
			break
		}
	}
	for _, svc := range doc.Service {
		if svc.Type == "PersonalDataServer" || strings.HasSuffix(svc.ID, "#pds") {
			ident.ProfileLocation = svc.ServiceEndpoint
			break
		}
	}

	for _, vm := range doc.VerificationMethod {
		if vm.PublicKeyJWK == nil || vm.PublicKeyJWK.Kty != "OKP" || vm.PublicKeyJWK.Crv != "Ed25519" {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(vm.PublicKeyJWK.X)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			continue
		}
		ident.SigningKey = ed25519.PublicKey(raw)
		return ident, nil
	}

	return Identity{}, fmt.Errorf("%w: no ed25519 verification key in document for %s", common.ErrUnknownIdentity, did)
}
