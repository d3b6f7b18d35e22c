package mount

import (
	"strings"

	"github.com/wimtools/wimount/internal/catalog"
	"github.com/wimtools/wimount/internal/dentry"
	"github.com/wimtools/wimount/pkg/types"
)

// SplitStreamName splits a path's trailing :streamname qualifier. Only
// meaningful in the windows stream-interface mode.
func SplitStreamName(path string) (filePath, streamName string) {
	base := path[strings.LastIndexByte(path, '/')+1:]
	if i := strings.LastIndexByte(base, ':'); i >= 0 {
		return path[:len(path)-(len(base)-i)], base[i+1:]
	}
	return path, ""
}

// Resolve walks the dentry tree from the root. A trailing :streamname on
// the final component is not interpreted here: it is looked up as part of
// the file name. Use ResolveStream for stream addressing.
func (c *Context) Resolve(path string) (*dentry.Dentry, error) {
	return dentry.Find(c.root, path)
}

// ResolveParent resolves the parent directory of path and returns it with
// the final path component.
func (c *Context) ResolveParent(path string) (*dentry.Dentry, string, error) {
	path = strings.TrimRight(path, "/")
	i := strings.LastIndexByte(path, '/')
	parent, err := dentry.Find(c.root, path[:i+1])
	if err != nil {
		return nil, "", err
	}
	if !parent.IsDirectory() {
		return nil, "", types.ErrNotDir
	}
	return parent, path[i+1:], nil
}

// ResolveStream resolves a path to one effective stream. In windows mode a
// trailing :streamname selects an ADS instead of the primary stream. The
// returned reference addresses the hash slot divergence will overwrite;
// the entry is nil for empty streams.
func (c *Context) ResolveStream(path string) (dentry.StreamRef, *catalog.Entry, error) {
	streamName := ""
	if c.opts.StreamInterface == StreamWindows {
		path, streamName = SplitStreamName(path)
	}
	d, err := c.Resolve(path)
	if err != nil {
		return dentry.StreamRef{}, nil, err
	}
	ref := dentry.StreamRef{Dentry: d}
	if streamName != "" {
		ads := d.Stream(streamName)
		if ads == nil {
			return dentry.StreamRef{}, nil, types.ErrNotFound
		}
		ref.ADS = ads
	}
	return ref, c.cat.Lookup(ref.Hash()), nil
}
