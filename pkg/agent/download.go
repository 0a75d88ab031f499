/*
 * Copyright 2026 GridVolt, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package agent

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

var (
	// ErrChecksumMismatch indicates the downloaded bytes do not match the
	// declared digest. Not retryable without a new image.
	ErrChecksumMismatch = errors.New("computed digest does not match declared checksum")
	// ErrURLRejected indicates the download URL failed the security policy.
	ErrURLRejected = errors.New("download URL rejected by security policy")
	// ErrSignatureMissing indicates an unsigned image was offered while the
	// signing policy requires one.
	ErrSignatureMissing = errors.New("image has no signature and unsigned images are not allowed")
	// ErrSignatureInvalid indicates the image signature failed verification.
	ErrSignatureInvalid = errors.New("image signature verification failed")

	errUnsupportedAlgorithm = errors.New("unsupported checksum algorithm")
	errMalformedChecksum    = errors.New("checksum must be '<algorithm>:<hex-digest>'")
)

// ParseChecksum splits an algorithm-tagged digest string. Only sha256 is
// supported.
func ParseChecksum(checksum string) (algorithm, digestHex string, err error) {
	parts := strings.SplitN(checksum, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", errMalformedChecksum, checksum)
	}

	if parts[0] != "sha256" {
		return "", "", fmt.Errorf("%w: %q", errUnsupportedAlgorithm, parts[0])
	}

	if _, err := hex.DecodeString(parts[1]); err != nil {
		return "", "", fmt.Errorf("%w: %q", errMalformedChecksum, checksum)
	}

	return parts[0], strings.ToLower(parts[1]), nil
}

// Downloader streams update images to local storage while computing a running
// digest, so verification needs no second pass over the bytes.
type Downloader struct {
	client       *http.Client
	allowedHosts map[string]struct{}
}

// NewDownloader creates a downloader. A non-empty allow-list restricts
// download hosts; an empty list allows any host (development only).
func NewDownloader(client *http.Client, allowedHosts []string) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}

	var hosts map[string]struct{}

	if len(allowedHosts) > 0 {
		hosts = make(map[string]struct{}, len(allowedHosts))
		for _, h := range allowedHosts {
			hosts[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
		}
	}

	return &Downloader{client: client, allowedHosts: hosts}
}

// validateURL rejects non-HTTP schemes and hosts outside the allow-list. A
// compromised bus must not be able to point a device at attacker storage.
func (d *Downloader) validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrURLRejected, err)
	}

	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("%w: scheme %q not allowed", ErrURLRejected, parsed.Scheme)
	}

	if d.allowedHosts != nil {
		if _, ok := d.allowedHosts[strings.ToLower(parsed.Hostname())]; !ok {
			return fmt.Errorf("%w: host %q not in allowed hosts", ErrURLRejected, parsed.Hostname())
		}
	}

	return nil
}

// Download streams the image at rawURL into destPath and returns the hex
// SHA-256 of the received bytes. The context cancels the transfer; on any
// error the partial file is removed.
func (d *Downloader) Download(ctx context.Context, rawURL, destPath string) (digestHex string, size int64, err error) {
	if err := d.validateURL(rawURL); err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return "", 0, fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("failed to fetch image: unexpected status %s", resp.Status)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open scratch file: %w", err)
	}

	h := sha256.New()

	size, err = io.Copy(io.MultiWriter(out, h), resp.Body)

	closeErr := out.Close()

	if err != nil {
		_ = os.Remove(destPath)
		return "", 0, fmt.Errorf("failed while streaming image: %w", err)
	}

	if closeErr != nil {
		_ = os.Remove(destPath)
		return "", 0, fmt.Errorf("failed to flush scratch file: %w", closeErr)
	}

	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// VerifySignature checks the base64 Ed25519 signature over the image bytes
// at path. The checksum gate runs first, so the file is read at most twice.
func VerifySignature(path, signatureB64 string, key ed25519.PublicKey) error {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: signature is not valid base64: %s", ErrSignatureInvalid, err)
	}

	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature must be %d bytes, got %d", ErrSignatureInvalid, ed25519.SignatureSize, len(sig))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read image for signature check: %w", err)
	}

	if !ed25519.Verify(key, data, sig) {
		return ErrSignatureInvalid
	}

	return nil
}

// VerifyDigest compares a computed digest against the declared checksum,
// including its algorithm tag.
func VerifyDigest(computedHex, declared string) error {
	_, expectedHex, err := ParseChecksum(declared)
	if err != nil {
		return err
	}

	if !strings.EqualFold(computedHex, expectedHex) {
		return fmt.Errorf("%w: expected %s got %s", ErrChecksumMismatch, expectedHex, computedHex)
	}

	return nil
}
