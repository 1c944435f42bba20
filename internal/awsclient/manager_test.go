// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package awsclient

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	cfg := aws.Config{
		Region:      "us-east-2",
		Credentials: credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""),
	}
	return newManager(cfg)
}

func TestConfigForDefaultsToBaseRegion(t *testing.T) {
	m := testManager(t)
	cfg := m.configFor("", "")
	assert.Equal(t, "us-east-2", cfg.Region)
	assert.Equal(t, m.baseCfg.Credentials, cfg.Credentials)
}

func TestConfigForCachesProviders(t *testing.T) {
	m := testManager(t)
	a := m.configFor("eu-west-1", "arn:aws:iam::123456789012:role/reader")
	b := m.configFor("eu-west-1", "arn:aws:iam::123456789012:role/reader")
	assert.Equal(t, "eu-west-1", a.Region)
	assert.Same(t, a.Credentials, b.Credentials)
	assert.Len(t, m.providers, 1)

	m.configFor("eu-west-1", "")
	assert.Len(t, m.providers, 2)
}

func TestWithBaseRegion(t *testing.T) {
	m := newManager(aws.Config{Region: "us-east-1"}, WithBaseRegion("ap-south-1"), WithAssumeRoleSessionName("test"))
	assert.Equal(t, "ap-south-1", m.baseCfg.Region)
	assert.Equal(t, "test", m.sessionName)
}

func TestGetClients(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	sqsClient, err := m.GetSQS(ctx, WithSQSRegion("us-west-2"), WithSQSEndpoint("http://localhost:4566"))
	require.NoError(t, err)
	assert.Equal(t, "us-west-2", sqsClient.Client.Options().Region)
	require.NotNil(t, sqsClient.Client.Options().BaseEndpoint)
	assert.Equal(t, "http://localhost:4566", *sqsClient.Client.Options().BaseEndpoint)

	s3Client, err := m.GetS3(ctx, WithEndpoint("http://localhost:9000"), WithPathStyle())
	require.NoError(t, err)
	assert.True(t, s3Client.Client.Options().UsePathStyle)
	assert.Equal(t, "us-east-2", s3Client.Client.Options().Region)
	assert.NotNil(t, s3Client.Tracer)
}

func TestGetS3CachesPerSettings(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	a, err := m.GetS3(ctx, WithEndpoint("https://storage.googleapis.com"), WithRegion("auto"), WithRelaxedChecksums())
	require.NoError(t, err)
	b, err := m.GetS3(ctx, WithEndpoint("https://storage.googleapis.com"), WithRegion("auto"), WithRelaxedChecksums())
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, "auto", a.Region)
	assert.Equal(t, "https://storage.googleapis.com", a.Endpoint)
	assert.Equal(t, aws.RequestChecksumCalculationWhenRequired, a.Client.Options().RequestChecksumCalculation)

	c, err := m.GetS3(ctx)
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	assert.Equal(t, "us-east-2", c.Region)
	assert.Len(t, m.s3Clients, 2)
}
