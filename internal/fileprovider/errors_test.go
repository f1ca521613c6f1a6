package fileprovider

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestErrorKindsAreFileErrors(t *testing.T) {
	kinds := []error{ErrInsecure, ErrNotFound, ErrCannotOpen, ErrAccess, ErrFileClosed, ErrOutOfDate, ErrUnavailable}
	for _, kind := range kinds {
		err := NewError(kind, "resource %s", "/a.flv")
		if !errors.Is(err, ErrFile) {
			t.Fatalf("%v 应属于 ErrFile", kind)
		}
		if !errors.Is(err, kind) {
			t.Fatalf("%v 应匹配自身种类", kind)
		}
	}
	if errors.Is(NewError(ErrNotFound, "x"), ErrAccess) {
		t.Fatalf("不同种类不应互相匹配")
	}
}

func TestFromOSErrorMapsNotExist(t *testing.T) {
	_, err := os.Open(filepath.Join(t.TempDir(), "missing"))
	mapped := FromOSError(err, "missing")
	if !errors.Is(mapped, ErrNotFound) {
		t.Fatalf("期望 ErrNotFound，得到 %v", mapped)
	}
	if !errors.Is(mapped, os.ErrNotExist) {
		t.Fatalf("应保留底层错误链")
	}
}

func TestFromOSErrorKeepsProviderErrors(t *testing.T) {
	orig := NewError(ErrOutOfDate, "changed")
	if got := FromOSError(orig, "x"); got != error(orig) {
		t.Fatalf("provider 错误不应被重新包装: %v", got)
	}
	if FromOSError(nil, "x") != nil {
		t.Fatalf("nil 应保持 nil")
	}
}

func TestMimeTypeOf(t *testing.T) {
	cases := map[string]string{
		"/videos/a.flv":  "video/x-flv",
		"/videos/B.MP4":  "video/mp4",
		"/list.m3u8":     "application/vnd.apple.mpegurl",
		"/noext":         "",
		"/weird.zzzzzzz": "",
	}
	for name, want := range cases {
		if got := MimeTypeOf(name); got != want {
			t.Fatalf("%s: 期望 %q，得到 %q", name, want, got)
		}
	}
}
