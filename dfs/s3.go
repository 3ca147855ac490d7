package dfs

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/dgraph-io/ristretto"
	"github.com/pingcap/errors"
)

// S3FS stores table files as S3 objects keyed by shard scope and file id.
// Prefetch pulls the whole object into the cache, the same way LocalFS
// does, because table files are immutable and read exactly once per open.
type S3FS struct {
	endPoint string
	bucket   string
	cli      *s3.S3
	cache    *ristretto.Cache
}

func NewS3FS(endPoint, bucket, keyID, secretKey string, cacheSize int64) (*S3FS, error) {
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true,
		},
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	client := &http.Client{Transport: tr}
	cred := credentials.NewStaticCredentials(keyID, secretKey, "")
	sess := session.Must(session.NewSession(aws.NewConfig().
		WithEndpoint(endPoint).
		WithS3ForcePathStyle(true).
		WithCredentials(cred).
		WithHTTPClient(client)))
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cacheSize / 64 / 1024 * 10,
		MaxCost:     cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.AddStack(err)
	}
	return &S3FS{
		endPoint: endPoint,
		bucket:   bucket,
		cli:      s3.New(sess),
		cache:    cache,
	}, nil
}

func (fs *S3FS) objectKey(id uint64, opts Options) string {
	return fmt.Sprintf("%d/%d/%08x.sst", opts.ShardID, opts.ShardVer, id)
}

func (fs *S3FS) Open(id uint64, opts Options) (File, error) {
	if val, ok := fs.cache.Get(id); ok {
		return &memFile{id: id, data: val.([]byte)}, nil
	}
	data, err := fs.get(id, opts)
	if err != nil {
		return nil, err
	}
	return &memFile{id: id, data: data}, nil
}

func (fs *S3FS) Prefetch(id uint64, opts Options) error {
	if _, ok := fs.cache.Get(id); ok {
		return nil
	}
	data, err := fs.get(id, opts)
	if err != nil {
		return err
	}
	fs.cache.Set(id, data, int64(len(data)))
	return nil
}

func (fs *S3FS) get(id uint64, opts Options) ([]byte, error) {
	input := &s3.GetObjectInput{}
	input.Bucket = &fs.bucket
	key := fs.objectKey(id, opts)
	input.Key = &key
	out, err := fs.cli.GetObject(input)
	if err != nil {
		return nil, errors.AddStack(err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.AddStack(err)
	}
	return data, nil
}

// Put uploads a table file, it is used by the flush/compaction jobs that
// produce new files before their change-set is applied.
func (fs *S3FS) Put(id uint64, opts Options, data []byte) error {
	input := &s3.PutObjectInput{}
	input.SetContentLength(int64(len(data)))
	input.Bucket = &fs.bucket
	key := fs.objectKey(id, opts)
	input.Key = &key
	input.Body = bytes.NewReader(data)
	_, err := fs.cli.PutObject(input)
	return errors.AddStack(err)
}

func (fs *S3FS) Remove(id uint64, opts Options) error {
	fs.cache.Del(id)
	input := &s3.DeleteObjectInput{}
	input.Bucket = &fs.bucket
	key := fs.objectKey(id, opts)
	input.Key = &key
	_, err := fs.cli.DeleteObject(input)
	return errors.AddStack(err)
}
