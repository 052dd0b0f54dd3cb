package jar

import (
	"context"
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/destringer/pkg/classfile"
	"golang.org/x/sync/errgroup"
)

// Class is a parsed class entry.
type Class struct {
	Entry *Entry
	File  *classfile.ClassFile
	// PoolCount is the constant_pool_count the class was read with.
	PoolCount int
	// Modified is set once the class has been rewritten.
	Modified bool
}

// Name returns the internal name of the class.
func (c *Class) Name() string { return c.File.Name() }

// ClassPool holds the parsed candidate classes of an archive by internal name,
// in archive order.
type ClassPool struct {
	classes []*Class
	byName  map[string]*Class
	byEntry map[*Entry]*Class
}

// LoadClasses parses the entries that may declare or call a decrypt routine.
// Parsing runs on up to parallelism goroutines. A malformed class is an error.
func LoadClasses(ctx context.Context, entries []*Entry, parallelism int) (*ClassPool, error) {
	var candidates []*Entry
	for _, e := range entries {
		if !IsClassName(e.Name) {
			continue
		}
		if !IsClass(e.Data) {
			log.WithField("entry", e.Name).Warn("not a class file, passing through")
			continue
		}
		if MayUseDecrypt(e.Data) {
			candidates = append(candidates, e)
		}
	}

	parsed := make([]*Class, len(candidates))
	g, ctx := errgroup.WithContext(ctx)
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}
	for i, e := range candidates {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			cf, err := classfile.Parse(e.Data)
			if err != nil {
				return fmt.Errorf("%s: %w", e.Name, err)
			}
			parsed[i] = &Class{Entry: e, File: cf, PoolCount: cf.Pool.Count()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	p := &ClassPool{
		byName:  make(map[string]*Class, len(parsed)),
		byEntry: make(map[*Entry]*Class, len(parsed)),
	}
	for _, c := range parsed {
		if prev, dup := p.byName[c.Name()]; dup {
			log.WithFields(log.Fields{
				"class": c.Name(),
				"first": prev.Entry.Name,
				"entry": c.Entry.Name,
			}).Warn("duplicate class, keeping the first")
			continue
		}
		p.byName[c.Name()] = c
		p.byEntry[c.Entry] = c
		p.classes = append(p.classes, c)
	}
	return p, nil
}

// Classes returns the classes in archive order.
func (p *ClassPool) Classes() []*Class { return p.classes }

// Lookup returns the class with the given internal name.
func (p *ClassPool) Lookup(name string) (*Class, bool) {
	c, ok := p.byName[name]
	return c, ok
}

// ForEntry returns the class parsed from e.
func (p *ClassPool) ForEntry(e *Entry) (*Class, bool) {
	c, ok := p.byEntry[e]
	return c, ok
}

// Len returns the number of classes.
func (p *ClassPool) Len() int { return len(p.classes) }
