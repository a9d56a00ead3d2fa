package config

import s3provider "github.com/3leaps/cipherhub/pkg/provider/s3"

func s3Config(c S3Config) s3provider.Config {
	return s3provider.Config{
		Bucket:          c.Bucket,
		Region:          c.Region,
		Endpoint:        c.Endpoint,
		Prefix:          c.Prefix,
		Profile:         c.Profile,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		ForcePathStyle:  c.ForcePathStyle,
	}
}
