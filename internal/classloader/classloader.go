// Package classloader implements the class loader (C4): classpath
// registration, eager preloading, and lazy name-based resolution of
// parsed classfile.Class values. It is grounded on the teacher's
// (*VM).Class directory search in zserge-tojvm's vm.go, generalized to
// the multi-root classpath and cache-only Resolve spec.md §4.3 asks for,
// and on original_source's BaseClassLoader (preload_classes/
// resolve_class) for the preload/cache split.
package classloader

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"pantomime/internal/classfile"
)

// ErrClassNotFound is returned by Load when name cannot be located on any
// registered classpath entry.
type ErrClassNotFound struct {
	Name string
}

func (e *ErrClassNotFound) Error() string {
	return "class not found: " + e.Name
}

// Loader owns the registered classpath and a cache of every class it has
// parsed so far, keyed by internal name (e.g. "com/example/Foo").
type Loader struct {
	roots []string
	cache map[string]*classfile.Class
	log   *logrus.Entry
}

// New returns an empty Loader with no classpath entries.
func New(log *logrus.Logger) *Loader {
	if log == nil {
		log = logrus.New()
	}
	return &Loader{
		cache: map[string]*classfile.Class{},
		log:   log.WithField("component", "classloader"),
	}
}

// AddClasspath registers a directory or a single .class file to search
// when loading classes.
func (l *Loader) AddClasspath(path string) {
	l.roots = append(l.roots, path)
	l.log.WithField("path", path).Debug("registered classpath entry")
}

// Preload eagerly parses every classfile reachable from the registered
// classpath (every .class file under a directory root, or the file
// itself for a single-file root), populating the cache up front.
func (l *Loader) Preload() error {
	for _, root := range l.roots {
		info, err := os.Stat(root)
		if err != nil {
			return errors.Wrapf(err, "stat classpath entry %s", root)
		}
		if !info.IsDir() {
			if err := l.preloadFile(root); err != nil {
				return err
			}
			continue
		}
		err = filepath.Walk(root, func(path string, fi os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if fi.IsDir() || !strings.HasSuffix(path, ".class") {
				return nil
			}
			return l.preloadFile(path)
		})
		if err != nil {
			return errors.Wrapf(err, "preloading classpath entry %s", root)
		}
	}
	return nil
}

func (l *Loader) preloadFile(path string) error {
	class, err := parseFile(path)
	if err != nil {
		return errors.Wrapf(err, "preloading %s", path)
	}
	l.log.WithField("class", class.Name).Debug("preloaded class")
	l.cache[class.Name] = class
	return nil
}

// Load resolves name (e.g. "com/example/Foo") to a parsed Class, checking
// the cache first and otherwise searching every registered classpath
// root by translating name's '/'-separated segments into a relative file
// path with a ".class" suffix.
func (l *Loader) Load(name string) (*classfile.Class, error) {
	if class, ok := l.cache[name]; ok {
		return class, nil
	}

	relPath := filepath.FromSlash(name) + ".class"
	for _, root := range l.roots {
		info, err := os.Stat(root)
		if err != nil {
			continue
		}

		if info.IsDir() {
			class, err := parseFile(filepath.Join(root, relPath))
			if err != nil {
				continue
			}
			if class.Name != name {
				continue
			}
			l.log.WithField("class", class.Name).Debug("loaded class")
			l.cache[class.Name] = class
			return class, nil
		}

		// A single-file root matches only by its decoded classname, not
		// by filename, mirroring preloadFile's keying.
		class, err := parseFile(root)
		if err != nil {
			continue
		}
		if class.Name != name {
			continue
		}
		l.log.WithField("class", class.Name).Debug("loaded class")
		l.cache[class.Name] = class
		return class, nil
	}

	l.log.WithField("class", name).Debug("class not found on classpath")
	return nil, &ErrClassNotFound{Name: name}
}

// Register inserts an already-parsed class directly into the cache,
// bypassing the filesystem. Used for classes synthesized at runtime
// (java/lang/String) and by tests that construct classfile.Class values
// in memory rather than writing real .class fixtures.
func (l *Loader) Register(class *classfile.Class) {
	l.cache[class.Name] = class
}

// Resolve performs a cache-only lookup, never touching the filesystem.
// It is the primitive original_source's BaseClassLoader::resolve_class
// exposes for callers that must not trigger I/O mid-step.
func (l *Loader) Resolve(name string) (*classfile.Class, bool) {
	class, ok := l.cache[name]
	return class, ok
}

func parseFile(path string) (*classfile.Class, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return classfile.Parse(f)
}
