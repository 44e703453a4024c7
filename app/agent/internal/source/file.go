package source

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// FileSource 从目录循环读取预编码图像文件作为画面来源。
// 真实部署中采集由桌面端完成，这个实现用于联调和压测。
type FileSource struct {
	screens int
	files   []string

	mu   sync.Mutex
	next int
}

// NewFileSource 创建文件画面来源，dir 下的 .jpg/.jpeg/.png 按名称排序循环使用
func NewFileSource(dir string, screens int) (*FileSource, error) {
	if screens < 1 {
		screens = 1
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read source dir")
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, errors.Newf("no image files in %s", dir)
	}
	sort.Strings(files)

	return &FileSource{screens: screens, files: files}, nil
}

// Screens 屏幕数
func (s *FileSource) Screens() int {
	return s.screens
}

// Capture 返回下一张图像的字节内容
func (s *FileSource) Capture(_ context.Context, _ int) ([]byte, error) {
	s.mu.Lock()
	path := s.files[s.next%len(s.files)]
	s.next++
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return data, nil
}
