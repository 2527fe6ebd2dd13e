package multifile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chunkdl/chunkdl/pkg/cli"
	"github.com/chunkdl/chunkdl/pkg/download"
)

// A manifest is a file consisting of pairs of URLs and paths:
//
// http://example.com/foo/bar.txt     foo/bar.txt
// http://example.com/foo/bar/baz.txt foo/bar/baz.txt
//
// A manifest may contain blank lines.
// The pairs are separated by arbitrary whitespace.
//
// Manifests named *.yaml or *.yml are instead a list of entries:
//
// - link: http://example.com/foo/bar.txt
//   op: foo/bar.txt
//
// where op may be omitted to name the file after the URL.

type manifestEntry struct {
	url  string
	dest string
}

type yamlEntry struct {
	Link       string `yaml:"link"`
	OutputPath string `yaml:"op,omitempty"`
}

func manifestFile(manifestPath string) (*os.File, error) {
	if manifestPath == "-" {
		return os.Stdin, nil
	}
	if _, err := os.Stat(manifestPath); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("manifest file %s does not exist", manifestPath)
	}
	file, err := os.Open(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("error opening manifest file %s: %w", manifestPath, err)
	}
	return file, err
}

func isYAML(manifestPath string) bool {
	switch strings.ToLower(filepath.Ext(manifestPath)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func parseLine(line string) (urlString, dest string, err error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return "", "", fmt.Errorf("error parsing manifest invalid line format `%s`", line)
	}
	return fields[0], fields[1], nil
}

func checkSeenDestinations(destinations map[string]string, dest string, urlString string) error {
	if seenURL, ok := destinations[dest]; ok {
		if seenURL != urlString {
			return fmt.Errorf("duplicate destination %s with different urls: %s and %s", dest, seenURL, urlString)
		}
		return fmt.Errorf("duplicate entry: %s %s", urlString, dest)
	}
	return nil
}

func readLines(file io.Reader) ([]manifestEntry, error) {
	var entries []manifestEntry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		urlString, dest, err := parseLine(line)
		if err != nil {
			return nil, err
		}
		entries = append(entries, manifestEntry{url: urlString, dest: dest})
	}
	return entries, scanner.Err()
}

func readYAML(file io.Reader) ([]manifestEntry, error) {
	var raw []yamlEntry
	if err := yaml.NewDecoder(file).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("error parsing yaml manifest: %w", err)
	}
	entries := make([]manifestEntry, 0, len(raw))
	for i, e := range raw {
		if e.Link == "" {
			return nil, fmt.Errorf("yaml manifest entry %d has no link", i+1)
		}
		dest := e.OutputPath
		if dest == "" {
			dest = download.FilenameFromURL(e.Link)
		}
		entries = append(entries, manifestEntry{url: e.Link, dest: dest})
	}
	return entries, nil
}

// parseManifest reads and validates every entry: URLs must be http(s),
// destinations unique and not already present on disk.
func parseManifest(file io.Reader, yamlFormat bool) ([]manifestEntry, error) {
	var (
		entries []manifestEntry
		err     error
	)
	if yamlFormat {
		entries, err = readYAML(file)
	} else {
		entries, err = readLines(file)
	}
	if err != nil {
		return nil, err
	}

	seenDestinations := make(map[string]string)
	for _, entry := range entries {
		if err := download.ValidateURL(entry.url); err != nil {
			return nil, fmt.Errorf("error adding url: %w", err)
		}
		if err := checkSeenDestinations(seenDestinations, entry.dest, entry.url); err != nil {
			return nil, err
		}
		seenDestinations[entry.dest] = entry.url

		if err := cli.EnsureDestinationNotExist(entry.dest); err != nil {
			return nil, err
		}
	}
	return entries, nil
}
