// Package s3test hands tests an S3 client and a scratch bucket. By default
// the bucket lives in an in-process gofakes3 server; setting
// REVTREE_TEST_S3_ENDPOINT points tests at a real endpoint instead, using
// the AWS_* credentials from the environment and REVTREE_TEST_S3_BUCKET if
// given.
package s3test

import (
	"crypto/rand"
	"encoding/hex"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/stretchr/testify/require"
)

const (
	endpointEnv = "REVTREE_TEST_S3_ENDPOINT"
	bucketEnv   = "REVTREE_TEST_S3_BUCKET"
	// noRegion satisfies the SDK for endpoints that don't care about
	// regions, like min.io.
	noRegion = "not-using-AWS"
)

// Client returns a client and an empty bucket. The bucket is emptied, and
// removed if Client created it, when the test ends.
func Client(t testing.TB) (*s3.S3, string) {
	var client *s3.S3
	if os.Getenv(endpointEnv) != "" {
		client = remoteClient(t)
	} else {
		client = fakeClient(t)
	}

	bucket := os.Getenv(bucketEnv)
	created := bucket == ""
	if created {
		bucket = randomBucketName(t)
		_, err := client.CreateBucket(&s3.CreateBucketInput{Bucket: aws.String(bucket)})
		require.NoError(t, err, "create bucket %s", bucket)
	} else {
		require.NoError(t, emptyBucket(client, bucket), "empty bucket %s", bucket)
	}
	// Cleanups run last-registered first, so this runs before the fake
	// server is closed.
	t.Cleanup(func() {
		if err := emptyBucket(client, bucket); err != nil {
			t.Logf("empty bucket %s: %v", bucket, err)
			return
		}
		if created {
			_, err := client.DeleteBucket(&s3.DeleteBucketInput{Bucket: aws.String(bucket)})
			if err != nil {
				t.Logf("delete bucket %s: %v", bucket, err)
			}
		}
	})
	return client, bucket
}

func remoteClient(t testing.TB) *s3.S3 {
	config := aws.Config{
		Credentials: credentials.NewStaticCredentials(
			requireEnv(t, "AWS_ACCESS_KEY_ID"),
			requireEnv(t, "AWS_SECRET_ACCESS_KEY"),
			os.Getenv("AWS_SESSION_TOKEN"),
		),
		Endpoint:         aws.String(os.Getenv(endpointEnv)),
		Region:           aws.String(noRegion),
		S3ForcePathStyle: aws.Bool(true),
	}
	// A real AWS region means real S3; let the SDK resolve the endpoint.
	if region := os.Getenv("AWS_REGION"); region != "" {
		config.Region = aws.String(region)
		config.Endpoint = nil
	}
	sess, err := session.NewSession(&config)
	require.NoError(t, err)
	return s3.New(sess)
}

func fakeClient(t testing.TB) *s3.S3 {
	faker := gofakes3.New(s3mem.New())
	ts := httptest.NewServer(faker.Server())
	t.Cleanup(ts.Close)
	sess, err := session.NewSession(&aws.Config{
		Credentials:      credentials.NewStaticCredentials("TEST-ACCESSKEYID", "TEST-SECRETACCESSKEY", ""),
		Endpoint:         aws.String(ts.URL),
		Region:           aws.String("ca-west-1"),
		DisableSSL:       aws.Bool(true),
		S3ForcePathStyle: aws.Bool(true),
	})
	require.NoError(t, err)
	return s3.New(sess)
}

func requireEnv(t testing.TB, key string) string {
	v := os.Getenv(key)
	if v == "" {
		t.Fatalf("%s must be set when %s is", key, endpointEnv)
	}
	return v
}

func randomBucketName(t testing.TB) string {
	b := make([]byte, 6)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return "revtree-" + hex.EncodeToString(b)
}

// emptyBucket deletes every object in the bucket, a page at a time.
func emptyBucket(client *s3.S3, bucket string) error {
	var deleteErr error
	err := client.ListObjectsV2Pages(&s3.ListObjectsV2Input{Bucket: aws.String(bucket)},
		func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			if len(page.Contents) == 0 {
				return true
			}
			ids := make([]*s3.ObjectIdentifier, len(page.Contents))
			for i, o := range page.Contents {
				ids[i] = &s3.ObjectIdentifier{Key: o.Key}
			}
			_, deleteErr = client.DeleteObjects(&s3.DeleteObjectsInput{
				Bucket: aws.String(bucket),
				Delete: &s3.Delete{Objects: ids},
			})
			return deleteErr == nil
		})
	if err != nil {
		return err
	}
	return deleteErr
}
