package gcs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"reflect"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/bobg/snapsync"
	"github.com/bobg/snapsync/testutil"
)

func TestEachHexPrefix(t *testing.T) {
	want := []string{
		"e67b", "e67c", "e67d", "e67e", "e67f",
		"e68", "e69", "e6a", "e6b", "e6c", "e6d", "e6e", "e6f",
		"e7", "e8", "e9", "ea", "eb", "ec", "ed", "ee", "ef",
		"f",
	}
	var got []string
	err := eachHexPrefix("e67a", false, func(prefix string) error {
		got = append(got, prefix)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestAnchorObjName(t *testing.T) {
	var (
		t1 = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
		t2 = t1.Add(time.Nanosecond)
		n1 = anchorObjName("HEAD", t1)
		n2 = anchorObjName("HEAD", t2)
	)
	if n2 >= n1 {
		t.Errorf("got %s >= %s, want later anchors to sort first", n2, n1)
	}

	a, at, err := anchorFromObjName(n1)
	if err != nil {
		t.Fatal(err)
	}
	if a != "HEAD" {
		t.Errorf("got anchor %q, want HEAD", a)
	}
	if !at.Equal(t1) {
		t.Errorf("got time %s, want %s", at, t1)
	}

	if _, _, err = anchorFromObjName("b:" + snapsync.Zero.String()); err == nil {
		t.Error("got no error for a blob object name")
	}
}

const (
	credsVar = "SNAPSYNC_GCS_TESTING_CREDS"
	projVar  = "SNAPSYNC_GCS_TESTING_PROJECT"
)

func TestStore(t *testing.T) {
	var (
		creds     = os.Getenv(credsVar)
		projectID = os.Getenv(projVar)
	)
	if creds == "" || projectID == "" {
		t.Skipf("to run TestStore, set %s to the name of a credentials file and %s to a project ID", credsVar, projVar)
	}

	var r [30]byte
	_, err := rand.Read(r[:])
	if err != nil {
		t.Fatal(err)
	}
	bucketName := hex.EncodeToString(r[:])

	ctx := context.Background()

	client, err := storage.NewClient(ctx, option.WithCredentialsFile(creds))
	if err != nil {
		t.Fatal(err)
	}

	t.Logf("creating bucket %s in project %s", bucketName, projectID)

	bucket := client.Bucket(bucketName)
	err = bucket.Create(ctx, projectID, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bucket.Delete(ctx)

	s := New(bucket)
	testutil.ReadWrite(ctx, t, s, testutil.Data(t))
	testutil.Anchors(ctx, t, s)
}
