// Package commands is cmd/jvmgo's composition root: it turns a resolved
// vmconfig.Config into the wired-together Loader, Heap, Registry, and
// Engine each subcommand drives, the way the teacher's cmd/sentra/main.go
// builds its interpreter out of flag-resolved pieces before dispatch.
package commands

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"jvmgo/internal/classloader"
	"jvmgo/internal/classsource/dbsrc"
	"jvmgo/internal/classsource/signedsrc"
	"jvmgo/internal/vmconfig"
)

// multiSource lets a signedsrc.Source (which wraps exactly one inner
// ClassSource) gate an entire ordered chain of sources: it tries each in
// turn and returns the first hit, same first-match-wins contract as
// classloader.Loader itself.
type multiSource struct {
	sources []classloader.ClassSource
}

func (m *multiSource) TryLoad(binaryName string) ([]byte, error) {
	for _, s := range m.sources {
		b, err := s.TryLoad(binaryName)
		if err != nil {
			return nil, err
		}
		if b != nil {
			return b, nil
		}
	}
	return nil, nil
}

// buildLoader assembles a *classloader.Loader from cfg's classpath plus
// its optional dbsrc and signedsrc layers:
//
//   - every cfg.Classpath entry becomes a ZipSource (.jar/.zip) or a
//     DirSource (anything else)
//   - cfg.DBDSN, if set, appends a dbsrc.Source after them
//   - cfg.RequireSigned, if set, collapses that whole chain into one
//     multiSource and wraps it in a signedsrc.Source, so the loader ends
//     up with that single gated source as its only entry
//
// closeAll closes every io.Closer-like resource (currently just opened
// ZipSources); the caller must call it when done.
func buildLoader(cfg *vmconfig.Config) (loader *classloader.Loader, closeAll func(), err error) {
	var sources []classloader.ClassSource
	var zips []*classloader.ZipSource

	for _, entry := range cfg.Classpath {
		lower := strings.ToLower(entry)
		if strings.HasSuffix(lower, ".jar") || strings.HasSuffix(lower, ".zip") {
			z, err := classloader.NewZipSource(entry)
			if err != nil {
				return nil, nil, fmt.Errorf("jvmgo: opening classpath entry %s: %w", entry, err)
			}
			zips = append(zips, z)
			sources = append(sources, z)
			continue
		}
		sources = append(sources, classloader.NewDirSource(entry))
	}

	closeAll = func() {
		for _, z := range zips {
			z.Close()
		}
	}

	if cfg.DBDSN != "" {
		db, err := dbsrc.Open(cfg.DBDSN)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("jvmgo: opening -db-dsn: %w", err)
		}
		sources = append(sources, db)
	}

	if cfg.RequireSigned {
		signed, err := wrapSigned(cfg, &multiSource{sources: sources})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sources = []classloader.ClassSource{signed}
	}

	return classloader.NewLoader(sources...), closeAll, nil
}

// wrapSigned decorates inner in a signedsrc.Source per cfg's
// -signing-pubkey/-signing-sigs flags.
func wrapSigned(cfg *vmconfig.Config, inner classloader.ClassSource) (*signedsrc.Source, error) {
	if cfg.SigningPubKey == "" {
		return nil, fmt.Errorf("jvmgo: -require-signed needs -signing-pubkey")
	}
	if cfg.SigningSigsPath == "" {
		return nil, fmt.Errorf("jvmgo: -require-signed needs -signing-sigs")
	}

	pub, err := hex.DecodeString(cfg.SigningPubKey)
	if err != nil {
		return nil, fmt.Errorf("jvmgo: -signing-pubkey is not valid hex: %w", err)
	}

	sigs, err := loadSignatureManifest(cfg.SigningSigsPath)
	if err != nil {
		return nil, err
	}

	return signedsrc.New(inner, pub, signedsrc.SHA256, sigs)
}

// loadSignatureManifest parses a "binaryName hexsignature" file, one
// entry per line, blank lines and "#"-prefixed lines ignored.
func loadSignatureManifest(path string) (signedsrc.MapSignatures, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("jvmgo: reading -signing-sigs: %w", err)
	}
	defer f.Close()

	sigs := make(signedsrc.MapSignatures)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("jvmgo: %s: malformed line %q", path, line)
		}
		sig, err := hex.DecodeString(fields[1])
		if err != nil {
			return nil, fmt.Errorf("jvmgo: %s: signature for %q is not valid hex: %w", path, fields[0], err)
		}
		sigs[fields[0]] = sig
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("jvmgo: reading -signing-sigs: %w", err)
	}
	return sigs, nil
}
