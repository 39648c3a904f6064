package handler

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
)

// protectedPages はログインが必要なページのパスと公開ディレクトリ内のファイル名。
var protectedPages = map[string]string{
	"/":             "index.html",
	"/index.html":   "index.html",
	"/pricing.html": "pricing.html",
}

// PageHandler は公開ディレクトリの静的ファイルを配信する。
type PageHandler struct {
	staticDir  string
	fileServer http.Handler
}

// NewPageHandler はPageHandlerを生成する。
func NewPageHandler(staticDir string) *PageHandler {
	return &PageHandler{
		staticDir:  staticDir,
		fileServer: http.FileServer(http.Dir(staticDir)),
	}
}

// ServeProtected はログインが必要なページを配信する。
// アクセスガードの後ろに配置する。
func (h *PageHandler) ServeProtected(w http.ResponseWriter, r *http.Request) {
	name, ok := protectedPages[path.Clean("/"+r.URL.Path)]
	if !ok {
		http.NotFound(w, r)
		return
	}
	h.serveFile(w, r, name)
}

// Static は公開ディレクトリのファイルを認証なしで配信するハンドラーを返す。
// パスを正規化した結果がログイン必須のページになる場合はguardedに委譲する。
func (h *PageHandler) Static(guarded http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := protectedPages[path.Clean("/"+r.URL.Path)]; ok {
			guarded.ServeHTTP(w, r)
			return
		}
		h.fileServer.ServeHTTP(w, r)
	})
}

// serveFile は公開ディレクトリ内のファイルを返す。存在しない場合は404。
func (h *PageHandler) serveFile(w http.ResponseWriter, r *http.Request, name string) {
	fullPath := filepath.Join(h.staticDir, name)

	f, err := os.Open(fullPath)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	http.ServeContent(w, r, name, info.ModTime(), f)
}
