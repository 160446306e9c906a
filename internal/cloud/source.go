package cloud

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
)

// IsRemoteSource reports whether the source is fetched over HTTP(S) rather
// than read from the local filesystem.
func IsRemoteSource(source string) bool {
	lower := strings.ToLower(source)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// OpenSource opens an image source for streaming. Local ".xz" files are
// decompressed transparently. The returned size is -1 when it cannot be
// determined up front (compressed sources, responses without a
// Content-Length).
func OpenSource(source string) (io.ReadCloser, int64, error) {
	if IsRemoteSource(source) {
		return openRemoteSource(source)
	}
	return openLocalSource(source)
}

func openRemoteSource(source string) (io.ReadCloser, int64, error) {
	if strings.HasSuffix(source, ".xz") {
		return nil, 0, fmt.Errorf("xz decompression is not supported for remote source %s", source)
	}

	client := retryablehttp.NewClient()
	client.Logger = logrus.StandardLogger()

	logrus.Infof("Opening stream to: %s", source)
	resp, err := client.Get(source)
	if err != nil {
		return nil, 0, fmt.Errorf("opening %s failed: %w", source, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("opening %s failed: %s", source, resp.Status)
	}

	return resp.Body, resp.ContentLength, nil
}

func openLocalSource(source string) (io.ReadCloser, int64, error) {
	file, err := os.Open(source)
	if err != nil {
		return nil, 0, err
	}

	if strings.HasSuffix(source, ".xz") {
		logrus.Infof("Decompressing xz source: %s", source)
		reader, err := xz.NewReader(bufio.NewReader(file))
		if err != nil {
			file.Close()
			return nil, 0, fmt.Errorf("reading xz header of %s failed: %w", source, err)
		}
		// The decompressed size is unknown without reading the
		// whole stream.
		return &decompressedSource{Reader: reader, file: file}, -1, nil
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, err
	}

	return file, stat.Size(), nil
}

type decompressedSource struct {
	io.Reader
	file *os.File
}

func (s *decompressedSource) Close() error {
	return s.file.Close()
}
