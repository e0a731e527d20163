// Package archive keeps a copy of every stored program in object storage as
// a zstd-compressed tarball, optionally age-encrypted.
package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

const (
	// SourceEntry and ProgramEntry are the tar member names.
	SourceEntry  = "source.py"
	ProgramEntry = "program.nada.bin"

	keyPrefix = "programs"
)

// Store is the object storage the archive writes to. *s3.Client satisfies it.
type Store interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string, meta map[string]string) error
}

// Options configures an Archiver.
type Options struct {
	Bucket string
	// Recipients is one or more age recipients, newline separated. Empty
	// leaves archives unencrypted.
	Recipients string
	Now        func() time.Time
}

// Archiver packs and uploads program archives.
type Archiver struct {
	store      Store
	bucket     string
	recipients []age.Recipient
	now        func() time.Time
}

// Entry describes one stored program.
type Entry struct {
	UploadID     uuid.UUID
	ProgramName  string
	ProgramID    string
	SourcePath   string
	ArtifactPath string
}

// Object is an uploaded archive.
type Object struct {
	Key    string
	SHA256 string
	Size   int64
}

// New validates opts and parses the age recipients.
func New(store Store, opts Options) (*Archiver, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	a := &Archiver{store: store, bucket: strings.TrimSpace(opts.Bucket), now: opts.Now}
	if a.now == nil {
		a.now = time.Now
	}
	if strings.TrimSpace(opts.Recipients) != "" {
		recipients, err := age.ParseRecipients(strings.NewReader(opts.Recipients))
		if err != nil {
			return nil, fmt.Errorf("parse archive recipients: %w", err)
		}
		a.recipients = recipients
	}
	return a, nil
}

// Encrypted reports whether archives are age-encrypted.
func (a *Archiver) Encrypted() bool { return len(a.recipients) > 0 }

// Key is the object key for e.
func (a *Archiver) Key(e Entry) string {
	key := fmt.Sprintf("%s/%s/%s.tar.zst", keyPrefix, url.PathEscape(e.ProgramName), e.UploadID)
	if a.Encrypted() {
		key += ".age"
	}
	return key
}

// Archive packs the source and compiled program of e and uploads them.
func (a *Archiver) Archive(ctx context.Context, e Entry) (Object, error) {
	if e.UploadID == uuid.Nil || e.ProgramName == "" {
		return Object{}, errors.New("archive entry needs an upload id and program name")
	}

	var buf bytes.Buffer
	if err := a.pack(&buf, e); err != nil {
		return Object{}, err
	}

	sum := sha256.Sum256(buf.Bytes())
	obj := Object{
		Key:    a.Key(e),
		SHA256: hex.EncodeToString(sum[:]),
		Size:   int64(buf.Len()),
	}
	meta := map[string]string{
		"program-name": e.ProgramName,
		"program-id":   e.ProgramID,
	}
	if err := a.store.PutObject(ctx, a.bucket, obj.Key, bytes.NewReader(buf.Bytes()), obj.Size, obj.SHA256, meta); err != nil {
		return Object{}, fmt.Errorf("upload %s: %w", obj.Key, err)
	}
	return obj, nil
}

func (a *Archiver) pack(dst io.Writer, e Entry) error {
	out := dst
	var sealer io.WriteCloser
	if a.Encrypted() {
		w, err := age.Encrypt(dst, a.recipients...)
		if err != nil {
			return fmt.Errorf("age encrypt: %w", err)
		}
		sealer = w
		out = w
	}

	zw, err := zstd.NewWriter(out)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	modTime := a.now().UTC().Truncate(time.Second)
	for _, f := range []struct{ name, path string }{
		{SourceEntry, e.SourcePath},
		{ProgramEntry, e.ArtifactPath},
	} {
		if err := addFile(tw, f.name, f.path, modTime); err != nil {
			zw.Close()
			return err
		}
	}

	if err := tw.Close(); err != nil {
		zw.Close()
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	if sealer != nil {
		if err := sealer.Close(); err != nil {
			return fmt.Errorf("close age: %w", err)
		}
	}
	return nil
}

func addFile(tw *tar.Writer, name, path string, modTime time.Time) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o600,
		Size:    int64(len(data)),
		ModTime: modTime,
		Format:  tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("tar header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("tar write %s: %w", name, err)
	}
	return nil
}

// Unpack reverses Archive, returning the tar members by name. identities are
// required for encrypted archives.
func Unpack(r io.Reader, identities ...age.Identity) (map[string][]byte, error) {
	if len(identities) > 0 {
		dec, err := age.Decrypt(r, identities...)
		if err != nil {
			return nil, fmt.Errorf("age decrypt: %w", err)
		}
		r = dec
	}
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", hdr.Name, err)
		}
		files[hdr.Name] = data
	}
}
