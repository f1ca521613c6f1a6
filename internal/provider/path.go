package provider

import (
	"context"
	"path"

	"github.com/any-hub/origin-cache/internal/fileprovider"
	"github.com/any-hub/origin-cache/internal/urlutil"
)

// filePath 是逻辑路径树中的节点，rel 为相对根的路径，根节点为空串。
type filePath struct {
	provider *Provider
	rel      string
}

func (f *filePath) String() string {
	return path.Join("/", f.provider.global.Path, f.rel)
}

func (f *filePath) MimeType() string {
	return fileprovider.MimeTypeOf(f.rel)
}

func (f *filePath) Child(name string) (fileprovider.FilePath, error) {
	base := f.rel
	if base == "" {
		base = "/"
	}
	joined, err := urlutil.SecureJoin(base, name)
	if err != nil {
		return nil, err
	}
	return &filePath{provider: f.provider, rel: joined}, nil
}

// Open 打开节点对应的源站资源；根节点是目录，无法打开。
func (f *filePath) Open(ctx context.Context) (fileprovider.File, error) {
	if f.rel == "" {
		return nil, fileprovider.NewError(fileprovider.ErrCannotOpen, "%s is a directory", f.String())
	}
	p := f.provider
	u := urlutil.New(originHost(p.global, p.servers), p.global.VirtualPort, p.global.VirtualPath+f.rel)
	res, err := p.resources.GetResource(ctx, u)
	if err != nil {
		return nil, err
	}
	return res, nil
}

var _ fileprovider.FilePath = (*filePath)(nil)
