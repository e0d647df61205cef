// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ColdTierConfig configures the optional cold-tier upload the retention
// sweep performs on a daily file immediately before deleting it, grounded
// on pkg/archive/parquet/target.go's S3Target — the same
// LoadDefaultConfig + static-credentials + optional path-style pattern,
// adapted from "write one parquet file" to "upload one retention file".
type ColdTierConfig struct {
	Enabled      bool
	Endpoint     string
	Bucket       string
	Region       string
	Prefix       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// coldTierUploader uploads a file to S3-compatible storage before it is
// deleted by the retention sweep.
type coldTierUploader struct {
	client *s3.Client
	bucket string
	prefix string
}

func newColdTierUploader(cfg ColdTierConfig) (*coldTierUploader, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("cold tier: empty bucket name")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("cold tier: load AWS config: %w", err)
	}

	opts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}

	return &coldTierUploader{
		client: s3.NewFromConfig(awsCfg, opts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// upload reads path and puts it to the bucket under prefix/<base name>.
func (u *coldTierUploader) upload(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cold tier: read %s: %w", path, err)
	}

	key := u.prefix + filepath.Base(path)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("cold tier: put object %q: %w", key, err)
	}
	return nil
}
