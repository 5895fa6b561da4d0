package httpapi

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

var errNotDirectory = errors.New("not a directory")

type folderEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type foldersResponse struct {
	CurrentPath string        `json:"current_path"`
	ParentPath  string        `json:"parent_path,omitempty"`
	Folders     []folderEntry `json:"folders"`
}

// handleFolders lists the visible subdirectories of ?path=, defaulting to the
// media root and then to the filesystem root.
func (s *Server) handleFolders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	dir := strings.TrimSpace(r.URL.Query().Get("path"))
	if dir == "" {
		dir = s.pipeline.Settings().ParentDirectory
	}
	if dir == "" {
		dir = string(filepath.Separator)
	}
	if !filepath.IsAbs(dir) {
		writeError(w, http.StatusBadRequest, "path must be absolute")
		return
	}
	dir = filepath.Clean(dir)

	resp, err := listFolders(dir)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case os.IsNotExist(err):
			status = http.StatusNotFound
		case os.IsPermission(err):
			status = http.StatusForbidden
		case errors.Is(err, errNotDirectory):
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func listFolders(dir string) (foldersResponse, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return foldersResponse{}, err
	}
	if !info.IsDir() {
		return foldersResponse{}, &os.PathError{Op: "list", Path: dir, Err: errNotDirectory}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return foldersResponse{}, err
	}

	resp := foldersResponse{CurrentPath: dir, Folders: []folderEntry{}}
	if parent := filepath.Dir(dir); parent != dir {
		resp.ParentPath = parent
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		full := filepath.Join(dir, name)
		if !e.IsDir() {
			if e.Type()&os.ModeSymlink == 0 {
				continue
			}
			target, err := os.Stat(full)
			if err != nil || !target.IsDir() {
				continue
			}
		}
		resp.Folders = append(resp.Folders, folderEntry{Name: name, Path: full})
	}

	c := collate.New(language.Und, collate.IgnoreCase, collate.Numeric)
	slices.SortFunc(resp.Folders, func(a, b folderEntry) int {
		return c.CompareString(a.Name, b.Name)
	})
	return resp, nil
}
