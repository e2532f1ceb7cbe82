package main

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/enterprise-email/mailplane/internal/objectstore"
)

func TestNewStore_Memory(t *testing.T) {
	store, err := newStore(aws.Config{}, "memory://")
	if err != nil {
		t.Fatalf("newStore() error = %v", err)
	}
	if _, ok := store.(*objectstore.MemoryStore); !ok {
		t.Errorf("store = %T, want *objectstore.MemoryStore", store)
	}
}

func TestNewStore_S3(t *testing.T) {
	store, err := newStore(aws.Config{Region: "us-east-1"}, "s3://mail-bodies")
	if err != nil {
		t.Fatalf("newStore() error = %v", err)
	}
	if _, ok := store.(*objectstore.S3Store); !ok {
		t.Errorf("store = %T, want *objectstore.S3Store", store)
	}
}

func TestNewStore_Rejects(t *testing.T) {
	cases := []struct {
		name string
		url  string
	}{
		{"missing bucket", "s3://"},
		{"unknown scheme", "ftp://somewhere"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := newStore(aws.Config{}, tc.url); err == nil {
				t.Errorf("newStore(%q) error = nil, want failure", tc.url)
			}
		})
	}
}
