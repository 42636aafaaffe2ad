package s3backend

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/gophtransfer/internal/netx"
	"github.com/dmitrijs2005/gophtransfer/internal/remote"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}
)

// Object metadata keys written by the backend. S3 returns user metadata keys
// lower-cased, so these are lower case too.
const (
	metaCRC64        = "crc64ecma"
	metaCreationTime = "creation-time"
	metaSession      = "upload-session"
	metaSource       = "source"
	metaFinalKey     = "final-key"
	metaSize         = "size"
)

type Options struct {
	Endpoint      string
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	PathStyle     bool
	PresignTTL    time.Duration
	StagingPrefix string
	DedupPrefix   string
	HTTPTimeout   time.Duration
}

func (o *Options) setDefaults() {
	if o.PresignTTL <= 0 {
		o.PresignTTL = 15 * time.Minute
	}
	if o.StagingPrefix == "" {
		o.StagingPrefix = ".uploads/"
	}
	if o.DedupPrefix == "" {
		o.DedupPrefix = ".dedup/"
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = time.Minute
	}
}

type Backend struct {
	api       S3API
	presigner Presigner
	http      *netx.Client
	opts      Options
	now       func() time.Time
}

var (
	_ remote.MetadataService = (*Backend)(nil)
	_ remote.ObjectStore     = (*Backend)(nil)
)

// New builds a backend talking to opts.Endpoint with static credentials.
func New(ctx context.Context, opts Options) (*Backend, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(opts.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.AccessKey,
			opts.SecretKey,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})

	opts.setDefaults()
	return NewWithClients(client, newS3PresignClient(client), netx.NewClient(opts.HTTPTimeout), opts), nil
}

// NewWithClients assembles a backend from already built clients.
func NewWithClients(api S3API, presigner Presigner, httpClient *netx.Client, opts Options) *Backend {
	opts.setDefaults()
	return &Backend{
		api:       api,
		presigner: presigner,
		http:      httpClient,
		opts:      opts,
		now:       time.Now,
	}
}

func (b *Backend) bucket() *string {
	return aws.String(b.opts.Bucket)
}

func (b *Backend) presignExpires() func(*s3.PresignOptions) {
	return s3.WithPresignExpires(b.opts.PresignTTL)
}
