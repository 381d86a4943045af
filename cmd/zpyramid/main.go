// Command zpyramid converts tiled microscopy images into multiscale
// pyramids readable by Viv, OME-NGFF viewers and Neuroglancer.
package main

import (
	"fmt"
	"os"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
