package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"pi-camera-stream/pkg/types"
)

var (
	ErrInvalidName = errors.New("invalid file name")
	ErrNotFound    = errors.New("file not found")
)

// Storage owns the photo and video output directories.
type Storage struct {
	photosDir string
	videosDir string
}

func New(photosDir, videosDir string) (*Storage, error) {
	if photosDir == "" {
		return nil, fmt.Errorf("photos dir can not be empty")
	}
	if videosDir == "" {
		videosDir = filepath.Join(photosDir, DefaultVideosDir)
	}
	if err := mkdirAll(photosDir, videosDir); err != nil {
		return nil, err
	}

	return &Storage{photosDir: photosDir, videosDir: videosDir}, nil
}

func PhotoName(t time.Time) string {
	return PhotoPrefix + t.Format(TimeLayout) + DefaultImageExt
}

func VideoName(t time.Time) string {
	return VideoPrefix + t.Format(TimeLayout) + DefaultVideoExt
}

func (s *Storage) PhotosDir() string {
	return s.photosDir
}

func (s *Storage) VideosDir() string {
	return s.videosDir
}

// NewPhotoPath returns the name and full path of the photo taken at t.
func (s *Storage) NewPhotoPath(t time.Time) (name, path string) {
	name = PhotoName(t)
	return name, filepath.Join(s.photosDir, name)
}

func (s *Storage) NewVideoPath(t time.Time) (name, path string) {
	name = VideoName(t)
	return name, filepath.Join(s.videosDir, name)
}

// ListPhotos returns the images in the photos directory, newest name first.
func (s *Storage) ListPhotos() ([]types.File, error) {
	entries, err := os.ReadDir(s.photosDir)
	if err != nil {
		return nil, err
	}
	res := make([]types.File, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		res = append(res, types.File{
			Name:    e.Name(),
			Size:    humanize.Bytes(uint64(info.Size())),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Name > res[j].Name
	})

	return res, nil
}

// PhotoPath resolves a client supplied name to a file inside the photos directory.
func (s *Storage) PhotoPath(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", ErrInvalidName
	}
	if !imageExts[strings.ToLower(filepath.Ext(name))] {
		return "", ErrInvalidName
	}
	p := filepath.Join(s.photosDir, name)
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	if info.IsDir() {
		return "", ErrNotFound
	}

	return p, nil
}

func mkdirAll(dirs ...string) error {
	for _, d := range dirs {
		err := os.MkdirAll(d, DefaultDirPerm)
		if err != nil {
			return err
		}
	}
	return nil
}
