package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/chaintrace/pkg/digest"
	"github.com/Mindburn-Labs/chaintrace/pkg/provenance"
)

// fileHashesKey holds the digests of files attached with --file.
const fileHashesKey = "file_hashes"

// dataFlags are the flags describing one record's caller data.
type dataFlags struct {
	typeTag  string
	data     string
	dataFile string
	meta     []string
	files    []string
}

func (f *dataFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.typeTag, "type", "t", string(provenance.TagGenericText), "type tag of the record")
	fl.StringVarP(&f.data, "data", "d", "", "payload as JSON; anything that is not JSON is taken as a string")
	fl.StringVar(&f.dataFile, "data-file", "", "read the JSON payload from a file (- for stdin)")
	fl.StringArrayVarP(&f.meta, "meta", "m", nil, "metadata entry key=value; JSON values are parsed")
	fl.StringArrayVar(&f.files, "file", nil, "attach the digest of a file as name=path")
	cmd.MarkFlagsMutuallyExclusive("data", "data-file")
}

func (f *dataFlags) tag() (provenance.TypeTag, error) {
	return provenance.ParseTypeTag(f.typeTag)
}

// payload returns the decoded payload, or nil when neither flag is set.
func (f *dataFlags) payload(stdin io.Reader) (any, error) {
	switch {
	case f.dataFile != "":
		var (
			raw []byte
			err error
		)
		if f.dataFile == "-" {
			raw, err = io.ReadAll(stdin)
		} else {
			raw, err = os.ReadFile(f.dataFile)
		}
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		v, err := decodeJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("payload file is not JSON: %w", err)
		}
		return v, nil
	case f.data != "":
		if v, err := decodeJSON([]byte(f.data)); err == nil {
			return v, nil
		}
		return f.data, nil
	default:
		return nil, nil
	}
}

// metadata parses --meta and --file into one map.
func (f *dataFlags) metadata(engine *digest.Engine) (map[string]any, error) {
	if len(f.meta) == 0 && len(f.files) == 0 {
		return nil, nil
	}
	meta := make(map[string]any, len(f.meta)+1)
	for _, kv := range f.meta {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--meta %q: expected key=value", kv)
		}
		if parsed, err := decodeJSON([]byte(v)); err == nil {
			meta[k] = parsed
		} else {
			meta[k] = v
		}
	}
	if len(f.files) > 0 {
		hashes, err := hashFiles(engine, f.files)
		if err != nil {
			return nil, err
		}
		meta[fileHashesKey] = hashes
	}
	return meta, nil
}

func hashFiles(engine *digest.Engine, entries []string) (map[string]any, error) {
	out := make(map[string]any, len(entries))
	for _, entry := range entries {
		name, path, ok := strings.Cut(entry, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("--file %q: expected name=path", entry)
		}
		h, err := engine.DigestFile(path)
		if err != nil {
			return nil, err
		}
		out[name] = map[string]any{"path": path, "hash": h.Hex()}
	}
	return out, nil
}

// decodeJSON decodes exactly one JSON value, keeping numbers exact.
func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
