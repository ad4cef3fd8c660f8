// Package verify checks downloaded artifacts against their expected digest.
package verify

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/surge-downloader/otaupdate/internal/engine/types"
	"github.com/surge-downloader/otaupdate/internal/utils"
)

// ErrDigestMismatch is returned when the file does not match the expected digest.
var ErrDigestMismatch = errors.New("digest mismatch")

// ErrUnknownAlgorithm is returned for an unsupported or unguessable algorithm.
var ErrUnknownAlgorithm = errors.New("unknown digest algorithm")

// Algorithm names accepted as "algo:" prefixes.
const (
	SHA256 = "sha256"
	SHA1   = "sha1"
	MD5    = "md5"
)

func newHash(algo string) (hash.Hash, error) {
	switch strings.ToLower(algo) {
	case SHA256, "sha-256":
		return sha256.New(), nil
	case SHA1, "sha-1":
		return sha1.New(), nil
	case MD5:
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algo)
	}
}

// ComputeDigest streams path through algo and returns the lowercase hex
// digest. ctx is checked between fixed-size reads.
func ComputeDigest(ctx context.Context, path, algo string) (string, error) {
	h, err := newHash(algo)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, types.DigestBuffer)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, readErr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("read file: %w", readErr)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ParseExpected splits "algo:hex" or infers the algorithm from the hex length.
func ParseExpected(expected string) (algo, digest string, err error) {
	expected = strings.TrimSpace(expected)
	if a, d, ok := strings.Cut(expected, ":"); ok {
		algo, digest = strings.ToLower(a), d
	} else {
		digest = expected
		switch len(digest) {
		case 64:
			algo = SHA256
		case 40:
			algo = SHA1
		case 32:
			algo = MD5
		default:
			return "", "", fmt.Errorf("%w: digest of length %d", ErrUnknownAlgorithm, len(digest))
		}
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", "", fmt.Errorf("invalid hex digest: %w", err)
	}
	if _, err := newHash(algo); err != nil {
		return "", "", err
	}
	return algo, strings.ToLower(digest), nil
}

// Verify computes the digest of path and compares it to expected,
// case-insensitively.
func Verify(ctx context.Context, path, expected string) error {
	algo, want, err := ParseExpected(expected)
	if err != nil {
		return err
	}
	got, err := ComputeDigest(ctx, path, algo)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, want) {
		utils.Debug("Verify: %s %s mismatch, expected %s got %s", path, algo, want, got)
		return fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, want, got)
	}
	return nil
}
