package storage

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MockS3Client is an in-memory S3Client for tests.
type MockS3Client struct {
	mu sync.Mutex

	// Objects holds stored content by key
	Objects map[string]*MockS3Object
	// Buckets marks buckets that exist
	Buckets map[string]bool

	// Err, when set, fails every operation
	Err error

	// Call tracking
	HeadBucketCalled   bool
	CreateBucketCalled bool
	PutObjectCalled    bool
	GetObjectCalled    bool
	DeleteObjectCalled bool

	LastBucket    string
	LastObjectKey string
}

// MockS3Object is one stored object.
type MockS3Object struct {
	Key           string
	Content       string
	ContentLength int64
}

// NewMockS3Client returns an empty mock.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		Objects: make(map[string]*MockS3Object),
		Buckets: make(map[string]bool),
	}
}

func (m *MockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HeadBucketCalled = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Bucket != nil && m.Buckets[*params.Bucket] {
		return &s3.HeadBucketOutput{}, nil
	}
	return nil, &types.NoSuchBucket{}
}

func (m *MockS3Client) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateBucketCalled = true
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
		m.Buckets[*params.Bucket] = true
	}
	return &s3.CreateBucketOutput{}, nil
}

func (m *MockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutObjectCalled = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if params.Key != nil {
		m.LastObjectKey = *params.Key
	}
	if m.Err != nil {
		return nil, m.Err
	}

	content := ""
	if params.Body != nil {
		data, err := io.ReadAll(params.Body)
		if err != nil {
			return nil, err
		}
		content = string(data)
	}

	length := int64(len(content))
	if params.ContentLength != nil {
		length = *params.ContentLength
	}
	if params.Key != nil {
		m.Objects[*params.Key] = &MockS3Object{
			Key:           *params.Key,
			Content:       content,
			ContentLength: length,
		}
	}
	return &s3.PutObjectOutput{}, nil
}

func (m *MockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetObjectCalled = true
	if params.Key != nil {
		m.LastObjectKey = *params.Key
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Key != nil {
		if obj, ok := m.Objects[*params.Key]; ok {
			return &s3.GetObjectOutput{
				Body: io.NopCloser(strings.NewReader(obj.Content)),
			}, nil
		}
	}
	return nil, &types.NoSuchKey{}
}

func (m *MockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteObjectCalled = true
	if params.Key != nil {
		m.LastObjectKey = *params.Key
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Key != nil {
		delete(m.Objects, *params.Key)
	}
	return &s3.DeleteObjectOutput{}, nil
}
