package main

import (
	"bytes"
	"errors"
	"fmt"
	"image/png"
	"os"
	"path/filepath"

	"go-relay/internal/protocol"
)

var errNoName = errors.New("missing file name")

func loadFile(assetsDir, name string) (protocol.Message, error) {
	content, err := readAsset(filepath.Join(assetsDir, "files"), name)
	if err != nil {
		return nil, err
	}
	return protocol.File{Name: name, Content: content}, nil
}

// loadImage only sends content that decodes as PNG.
func loadImage(assetsDir, name string) (protocol.Message, error) {
	content, err := readAsset(filepath.Join(assetsDir, "images"), name)
	if err != nil {
		return nil, err
	}
	if _, err := png.DecodeConfig(bytes.NewReader(content)); err != nil {
		return nil, fmt.Errorf("%s is not a PNG image: %w", name, err)
	}
	return protocol.Image{Name: name, Content: content}, nil
}

func readAsset(dir, name string) ([]byte, error) {
	if name == "" {
		return nil, errNoName
	}
	// Names are looked up inside dir only.
	content, err := os.ReadFile(filepath.Join(dir, filepath.Base(name)))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return content, nil
}
