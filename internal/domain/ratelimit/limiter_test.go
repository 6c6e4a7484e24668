package ratelimit

import "testing"

func TestLimiterAdmitsWithinBurstThenDenies(t *testing.T) {
	l := New(map[Bucket]Config{
		BucketConnect: {RatePerSecond: 1, Burst: 2},
	})

	if !l.Allow("tenant-a", BucketConnect) {
		t.Fatalf("first connect should be admitted")
	}
	if !l.Allow("tenant-a", BucketConnect) {
		t.Fatalf("second connect within burst should be admitted")
	}
	if l.Allow("tenant-a", BucketConnect) {
		t.Fatalf("third connect should exceed burst and be denied")
	}
}

func TestLimiterIsolatesTenantsAndBuckets(t *testing.T) {
	l := New(map[Bucket]Config{
		BucketConnect: {RatePerSecond: 1, Burst: 1},
	})

	if !l.Allow("tenant-a", BucketConnect) {
		t.Fatalf("tenant-a first connect should be admitted")
	}
	if !l.Allow("tenant-b", BucketConnect) {
		t.Fatalf("tenant-b should have its own bucket, unaffected by tenant-a")
	}
	if !l.Allow("tenant-a", BucketPublish) {
		t.Fatalf("tenant-a publish bucket is independent of its connect bucket")
	}
}

func TestLimiterResetClearsTenantState(t *testing.T) {
	l := New(map[Bucket]Config{
		BucketConnect: {RatePerSecond: 1, Burst: 1},
	})
	l.Allow("tenant-a", BucketConnect)
	if l.Allow("tenant-a", BucketConnect) {
		t.Fatalf("bucket should be exhausted before reset")
	}
	l.Reset("tenant-a")
	if !l.Allow("tenant-a", BucketConnect) {
		t.Fatalf("bucket should be replenished after Reset")
	}
}
