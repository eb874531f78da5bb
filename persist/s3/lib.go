package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/jrhy/revtree"
)

// S3Interface is the subset of the S3 client a Persist needs.
type S3Interface interface {
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
	HeadObjectWithContext(ctx aws.Context, input *s3.HeadObjectInput, opts ...request.Option) (*s3.HeadObjectOutput, error)
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
}

// knownKeys is how many recently stored or loaded names are remembered,
// so storing them again skips the round trip.
const knownKeys = 1000

// Persist implements the revtree.Persist interface for storing and loading
// encoded trees as S3 objects.
type Persist struct {
	s3         S3Interface
	BucketName string
	Prefix     string
	mu         sync.Mutex
	lru        *simplelru.LRU
}

func (p *Persist) known(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Contains(name)
}

func (p *Persist) remember(name string) {
	p.mu.Lock()
	p.lru.Add(name, nil)
	p.mu.Unlock()
}

// Load loads the bytes persisted in the named object.
func (p *Persist) Load(ctx context.Context, name string) ([]byte, error) {
	input := s3.GetObjectInput{
		Bucket: &p.BucketName,
		Key:    aws.String(p.Prefix + name),
	}
	output, err := p.s3.GetObjectWithContext(ctx, &input)
	if isNotFound(err) {
		return nil, fmt.Errorf("s3 object %s: %w", name, revtree.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	defer output.Body.Close()
	b, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, err
	}
	p.remember(name)
	return b, nil
}

// Store persists the given bytes in an object of the given name, if it
// isn't known to exist already.
func (p *Persist) Store(ctx context.Context, name string, b []byte) error {
	if p.known(name) {
		return nil
	}
	input := s3.PutObjectInput{
		Bucket: &p.BucketName,
		Key:    aws.String(p.Prefix + name),
		Body:   bytes.NewReader(b),
	}
	_, err := p.s3.PutObjectWithContext(ctx, &input)
	if err != nil {
		return err
	}
	p.remember(name)
	return nil
}

// Exists checks for the named object with a HEAD request.
func (p *Persist) Exists(ctx context.Context, name string) (bool, error) {
	if p.known(name) {
		return true, nil
	}
	input := s3.HeadObjectInput{
		Bucket: &p.BucketName,
		Key:    aws.String(p.Prefix + name),
	}
	_, err := p.s3.HeadObjectWithContext(ctx, &input)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	p.remember(name)
	return true, nil
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, "NotFound":
		return true
	}
	return false
}

// NewPersist returns a Persist that loads and stores trees as
// objects with the given S3 client, bucket name and key prefix.
func NewPersist(client S3Interface, bucketName, prefix string) *Persist {
	lru, err := simplelru.NewLRU(knownKeys, nil)
	if err != nil {
		panic(err)
	}
	return &Persist{s3: client, BucketName: bucketName, Prefix: prefix, lru: lru}
}
