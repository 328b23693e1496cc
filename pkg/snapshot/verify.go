package snapshot

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"aead.dev/minisign"
	log "github.com/sirupsen/logrus"
)

var ErrSignatureInvalid = errors.New("snapshot signature invalid")

// KeyError is the reason a single trusted key did not verify.
type KeyError struct {
	Key    string
	Reason string
}

func (k KeyError) String() string {
	return k.Key + ": " + k.Reason
}

// SignatureError lists why each configured key rejected the signature.
type SignatureError struct {
	Archive string
	Keys    []KeyError
}

func (e *SignatureError) Error() string {
	reasons := make([]string, 0, len(e.Keys))
	for _, k := range e.Keys {
		reasons = append(reasons, k.String())
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "no trusted keys configured")
	}
	return fmt.Sprintf("%s: %s [%s]", ErrSignatureInvalid, e.Archive, strings.Join(reasons, "; "))
}

func (e *SignatureError) Unwrap() error {
	return ErrSignatureInvalid
}

// ParsePublicKey reads a minisign public key given either as the bare
// base64 line or as the content of a minisign.pub file.
func ParsePublicKey(text string) (minisign.PublicKey, error) {
	var pub minisign.PublicKey

	lines := strings.Split(strings.TrimSpace(text), "\n")
	raw := strings.TrimSpace(lines[len(lines)-1])
	if err := pub.UnmarshalText([]byte(raw)); err != nil {
		return pub, err
	}
	return pub, nil
}

func keyLabel(i int, pub minisign.PublicKey) string {
	if pub.ID() == 0 {
		return fmt.Sprintf("key#%d", i)
	}
	return fmt.Sprintf("%016X", pub.ID())
}

// VerifyMessage checks sig against every trusted key in turn. The first key
// that verifies wins.
func VerifyMessage(pubKeys []string, message, sig []byte, name string) error {
	var signature minisign.Signature
	sigErr := signature.UnmarshalText(sig)

	serr := &SignatureError{Archive: name}
	for i, text := range pubKeys {
		pub, err := ParsePublicKey(text)
		if err != nil {
			serr.Keys = append(serr.Keys, KeyError{Key: fmt.Sprintf("key#%d", i), Reason: "malformed key: " + err.Error()})
			continue
		}
		label := keyLabel(i, pub)

		switch {
		case sigErr != nil:
			serr.Keys = append(serr.Keys, KeyError{Key: label, Reason: "malformed signature: " + sigErr.Error()})
		case signature.KeyID != pub.ID():
			serr.Keys = append(serr.Keys, KeyError{Key: label, Reason: fmt.Sprintf("key id mismatch (signed by %016X)", signature.KeyID)})
		case !minisign.Verify(pub, message, sig):
			serr.Keys = append(serr.Keys, KeyError{Key: label, Reason: "bad signature"})
		default:
			log.WithField("key", label).Debugf("signature verified for %s", name)
			return nil
		}
	}

	return serr
}

// VerifyFile reads archivePath once and checks its detached signature. It
// returns the bytes that were verified; the path must not be read again.
func VerifyFile(pubKeys []string, archivePath, sigPath string) ([]byte, error) {
	sig, err := os.ReadFile(sigPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read signature %s: %v", ErrSignatureInvalid, sigPath, err)
	}
	message, err := os.ReadFile(archivePath)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}

	if err := VerifyMessage(pubKeys, message, sig, archivePath); err != nil {
		return nil, err
	}
	return message, nil
}
