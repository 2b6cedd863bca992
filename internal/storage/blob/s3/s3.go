/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package s3 implements a BlobStore on top of an S3-compatible object
// storage using minio-go.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/foxcpp/mailflow/framework/config"
	"github.com/foxcpp/mailflow/framework/log"
	"github.com/foxcpp/mailflow/framework/module"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	credsTypeFileMinio = "file_minio"
	credsTypeFileAWS   = "file_aws"
	credsTypeAccessKey = "access_key"
	credsTypeIAM       = "iam"
	credsTypeDefault   = credsTypeAccessKey
)

type Store struct {
	log log.Logger

	endpoint string
	cl       *minio.Client

	bucketName   string
	objectPrefix string
}

func New(cfg config.Blob, logger log.Logger) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("blob/s3: endpoint not set")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blob/s3: bucket not set")
	}
	secure := true
	if cfg.Secure != nil {
		secure = *cfg.Secure
	}

	var creds *credentials.Credentials
	switch cfg.CredsType {
	case credsTypeFileMinio:
		creds = credentials.NewFileMinioClient("", "")
	case credsTypeFileAWS:
		creds = credentials.NewFileAWSCredentials("", "")
	case credsTypeIAM:
		creds = credentials.NewIAM("")
	case credsTypeAccessKey, "":
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	default:
		return nil, fmt.Errorf("blob/s3: unknown credentials type: %s", cfg.CredsType)
	}

	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("blob/s3: %w", err)
	}

	return &Store{
		log:          logger,
		endpoint:     cfg.Endpoint,
		cl:           cl,
		bucketName:   cfg.Bucket,
		objectPrefix: cfg.ObjectPrefix,
	}, nil
}

type s3blob struct {
	pw      *io.PipeWriter
	didSync bool
	errCh   chan error

	// buf is used instead of pw if the size was not known in advance.
	// minio-go turns such uploads into multipart ones with a part size
	// of at least 5 MiB.
	buf    *bytes.Buffer
	upload func(r io.Reader, size int64) error
}

func (b *s3blob) Sync() error {
	// The upload is finished in Sync instead of Close because callers may
	// not check the error of Close. Sync can be called only once.
	if b.didSync {
		panic("blob/s3: Sync called twice for a blob object")
	}
	b.didSync = true

	if b.buf != nil {
		err := b.upload(b.buf, int64(b.buf.Len()))
		b.buf = nil
		return err
	}
	b.pw.Close()
	return <-b.errCh
}

func (b *s3blob) Write(p []byte) (n int, err error) {
	if b.buf != nil {
		return b.buf.Write(p)
	}
	return b.pw.Write(p)
}

func (b *s3blob) Close() error {
	if b.didSync {
		return nil
	}
	b.didSync = true
	if b.buf != nil {
		b.buf = nil
		return nil
	}
	b.pw.CloseWithError(fmt.Errorf("blob/s3: blob closed without Sync"))
	<-b.errCh
	return nil
}

func (s *Store) put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := s.cl.PutObject(ctx, s.bucketName, s.objectPrefix+key, r, size, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("s3 PutObject: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, key string, blobSize int64) (module.Blob, error) {
	if blobSize == module.UnknownBlobSize {
		return &s3blob{
			buf: new(bytes.Buffer),
			upload: func(r io.Reader, size int64) error {
				return s.put(ctx, key, r, size)
			},
		}, nil
	}

	pr, pw := io.Pipe()
	errCh := make(chan error, 1)

	go func() {
		err := s.put(ctx, key, pr, blobSize)
		if err != nil {
			pr.CloseWithError(err)
		}
		errCh <- err
	}()

	return &s3blob{
		pw:    pw,
		errCh: errCh,
	}, nil
}

func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.cl.GetObject(ctx, s.bucketName, s.objectPrefix+key, minio.GetObjectOptions{})
	if err == nil {
		// GetObject is lazy, errors are reported on first access.
		_, err = obj.Stat()
	}
	if err != nil {
		if obj != nil {
			obj.Close()
		}
		resp := minio.ToErrorResponse(err)
		if resp.StatusCode == http.StatusNotFound {
			return nil, module.ErrNoSuchBlob
		}
		return nil, err
	}
	return obj, nil
}

func (s *Store) Delete(ctx context.Context, keys []string) error {
	var lastErr error
	for _, k := range keys {
		if err := s.cl.RemoveObject(ctx, s.bucketName, s.objectPrefix+k, minio.RemoveObjectOptions{}); err != nil {
			s.log.Error("failed to delete object", err, "key", s.objectPrefix+k)
			lastErr = err
		}
	}
	return lastErr
}

var _ module.BlobStore = &Store{}
