// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 implements Device on top of object storage. Every write is
// stored as one object named after its physical address. It uses aws api v1.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/google/btree"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/errs"
	"golang.org/x/net/http2"

	"github.com/asch/cowstore/internal/store/device"
	"github.com/asch/cowstore/internal/store/types"
)

const (
	// Format string for the object key. We split the key into halves and
	// use the lower half of bits as s3 prefix and upper half for the
	// object key. This is to prevent s3 rate limiting which is applied to
	// objects with the same prefix.
	keyFmt = "%08x/%08x"
)

// Error is the error class of this package.
var Error = errs.Class("s3")

// Implementation of Device using AWS S3 as a backend. Parameters of http
// connection are carefully tuned for the best performance in the AWS
// environment.
type S3 struct {
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	client     *s3.S3
	bucket     string

	size      uint64
	blockSize uint64

	// Index of objects present in the bucket. Objects never overlap, an
	// overlapping older object is deleted by the write replacing it.
	mu      sync.RWMutex
	objects *btree.BTreeG[object]
}

// Object covering [paddr, paddr+length).
type object struct {
	paddr  types.Paddr
	length uint64
}

func (o object) end() types.Paddr {
	return o.paddr.Add(o.length)
}

// Options to use in New() function due to high number of parameters. There is
// lower chance of ordering mistake with named parameters.
type Options struct {
	Remote    string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Size      uint64
	BlockSize uint64
}

// Helper struct used for tuning the http connection.
type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
}

// Returns http client with configured parameters and added https2 support.
func newHTTPClientWithSettings(httpSettings httpClientSettings) *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: httpSettings.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: httpSettings.connKeepAlive,
			Timeout:   httpSettings.connect,
		}).DialContext,
		MaxIdleConns:          httpSettings.maxAllIdleConns,
		IdleConnTimeout:       httpSettings.idleConn,
		TLSHandshakeTimeout:   httpSettings.tlsHandshake,
		MaxIdleConnsPerHost:   httpSettings.maxHostIdleConns,
		ExpectContinueTimeout: httpSettings.expectContinue,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		log.Warn().Err(err).Msg("HTTP/2 not available for s3 transport.")
	}

	return &http.Client{
		Transport: tr,
	}
}

func New(o Options) (*S3, error) {
	s := &S3{
		bucket:    o.Bucket,
		size:      o.Size,
		blockSize: o.BlockSize,
		objects: btree.NewG[object](32, func(a, b object) bool {
			return a.paddr < b.paddr
		}),
	}

	// For the best possible performance it should be tuned according to
	// the object backend. Following settings are recommended by AWS for
	// usage in their network.
	httpClient := newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  100,
		maxHostIdleConns: 10,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
	})

	sess, err := session.NewSession(&aws.Config{
		Endpoint:                      aws.String(o.Remote),
		Region:                        aws.String(o.Region),
		Credentials:                   credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    httpClient,
	})

	if err != nil {
		return nil, Error.Wrap(err)
	}

	s.client = s3.New(sess)
	s.uploader = s3manager.NewUploader(sess)
	s.downloader = s3manager.NewDownloader(sess)

	// Extents are small, multipart transfers do not help. The only
	// exception are checkpoint nodes which are still bounded.
	s.uploader.Concurrency = 1
	s3manager.WithUploaderRequestOptions(request.Option(func(r *request.Request) {
		r.HTTPRequest.Header.Add("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	}))(s.uploader)
	s.downloader.Concurrency = 1

	if err := s.makeBucketExist(); err != nil {
		return nil, Error.Wrap(err)
	}

	if err := s.loadIndex(context.Background()); err != nil {
		return nil, Error.Wrap(err)
	}

	return s, nil
}

// Check whether bucket exist and if not, create it and wait until it appears.
func (s *S3) makeBucketExist() error {
	_, err := s.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(s.bucket)})

	if err != nil {
		_, err = s.client.CreateBucket(&s3.CreateBucketInput{
			Bucket: aws.String(s.bucket)})

		if err == nil {
			err = s.client.WaitUntilBucketExists(&s3.HeadBucketInput{
				Bucket: aws.String(s.bucket)})
		}
	}

	return err
}

// Rebuilds the index of objects from the bucket listing.
func (s *S3) loadIndex(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	}, func(page *s3.ListObjectsV2Output, last bool) bool {
		for _, o := range page.Contents {
			if o.Key == nil || o.Size == nil {
				continue
			}
			s.objects.ReplaceOrInsert(object{
				paddr:  types.Paddr(decode(*o.Key)),
				length: uint64(*o.Size),
			})
		}
		return true
	})

	log.Info().Int("objects", s.objects.Len()).Str("bucket", s.bucket).Msg("S3 index loaded.")

	return err
}

// Write function implemented through s3 api.
func (s *S3) Write(ctx context.Context, paddr types.Paddr, data []byte) error {
	if err := device.CheckRange(s, paddr, len(data)); err != nil {
		return err
	}

	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(int64(paddr))),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return Error.Wrap(err)
	}

	stale := s.insert(object{paddr: paddr, length: uint64(len(data))})
	for _, o := range stale {
		if err := s.delete(ctx, o.paddr); err != nil {
			log.Warn().Err(err).Stringer("paddr", o.paddr).Msg("Cannot delete overwritten object.")
		}
	}

	return nil
}

// Inserts o into the index and returns objects it replaced.
func (s *S3) insert(o object) []object {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []object
	s.objects.DescendLessOrEqual(object{paddr: o.paddr}, func(prev object) bool {
		if prev.end() > o.paddr && prev.paddr != o.paddr {
			stale = append(stale, prev)
		}
		return false
	})
	s.objects.AscendRange(object{paddr: o.paddr + 1}, object{paddr: o.end()}, func(next object) bool {
		stale = append(stale, next)
		return true
	})

	for _, st := range stale {
		s.objects.Delete(st)
	}
	s.objects.ReplaceOrInsert(o)

	return stale
}

// Read function implemented through s3 api. Ranges not covered by any object
// read as zeros.
func (s *S3) Read(ctx context.Context, paddr types.Paddr, buf []byte) error {
	if err := device.CheckRange(s, paddr, len(buf)); err != nil {
		return err
	}

	for _, p := range s.pieces(paddr, uint64(len(buf))) {
		dst := buf[p.bufOff : p.bufOff+p.length]
		if !p.mapped {
			for i := range dst {
				dst[i] = 0
			}
			continue
		}

		if err := s.downloadAt(ctx, p.object, dst, p.objOff); err != nil {
			return Error.Wrap(err)
		}
	}

	return nil
}

type piece struct {
	object types.Paddr
	objOff uint64
	bufOff uint64
	length uint64
	mapped bool
}

// Splits the requested range into parts served by individual objects.
func (s *S3) pieces(paddr types.Paddr, length uint64) []piece {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pieces []piece
	end := paddr.Add(length)
	cur := paddr

	add := func(o object) {
		from, to := o.paddr, o.end()
		if from < cur {
			from = cur
		}
		if to > end {
			to = end
		}
		if to <= from {
			return
		}
		if from > cur {
			pieces = append(pieces, piece{bufOff: uint64(cur - paddr), length: uint64(from - cur)})
		}
		pieces = append(pieces, piece{
			object: o.paddr,
			objOff: uint64(from - o.paddr),
			bufOff: uint64(from - paddr),
			length: uint64(to - from),
			mapped: true,
		})
		cur = to
	}

	s.objects.DescendLessOrEqual(object{paddr: paddr}, func(o object) bool {
		add(o)
		return false
	})
	s.objects.AscendRange(object{paddr: paddr + 1}, object{paddr: end}, func(o object) bool {
		add(o)
		return true
	})

	if cur < end {
		pieces = append(pieces, piece{bufOff: uint64(cur - paddr), length: uint64(end - cur)})
	}

	return pieces
}

func (s *S3) downloadAt(ctx context.Context, paddr types.Paddr, buf []byte, offset uint64) error {
	to := offset + uint64(len(buf)) - 1
	rng := fmt.Sprintf("bytes=%d-%d", offset, to)
	b := aws.NewWriteAtBuffer(buf)

	_, err := s.downloader.DownloadWithContext(ctx, b, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(int64(paddr))),
		Range:  &rng,
	})

	return err
}

// Delete function implemented through s3 api.
func (s *S3) delete(ctx context.Context, paddr types.Paddr) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(int64(paddr))),
	})

	return err
}

func (s *S3) BlockSize() uint64 {
	return s.blockSize
}

func (s *S3) Size() uint64 {
	return s.size
}

func (s *S3) Close() error {
	return nil
}

// We split the key into halves and use the lower half of bits as s3 prefix and
// upper half for the object key. This is to prevent s3 rate limiting which is
// applied to objects with the same prefix.
func encode(key int64) string {
	left := (key >> 32) & 0xffffffff
	right := key & 0xffffffff

	return fmt.Sprintf(keyFmt, right, left)
}

// The inverse to encode()
func decode(keyWithPrefix string) int64 {
	var prefix, key int64
	fmt.Sscanf(keyWithPrefix, keyFmt, &prefix, &key)

	k := (key << 32) + prefix

	return k
}
