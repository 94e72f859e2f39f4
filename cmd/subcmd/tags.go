package subcmd

import (
	"context"
	"fmt"
	"io"
)

// Tags prints the tags of the repository one per line
func Tags(ctx context.Context, src string, w io.Writer) error {
	c, ref, err := open(ctx, src)
	if err != nil {
		return err
	}
	if ref.Repository == "" {
		return fmt.Errorf("tags needs a repository: %s", src)
	}
	tl, err := c.TagList(ctx, ref.Repository)
	if err != nil {
		return err
	}
	for _, tag := range tl.Tags {
		if _, err := fmt.Fprintln(w, tag); err != nil {
			return err
		}
	}
	return nil
}
