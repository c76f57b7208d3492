// Command convert turns a raw RGBA8 dump, as written by wasmbrot -raw or a
// compute module run outside this tool, into an image file.
package main

import (
	"flag"
	"log"

	"wasmbrot"
	"wasmbrot/encode"
)

func main() {
	in := flag.String("in", "./output.bin", "raw RGBA8 input")
	out := flag.String("o", "./output.png", "output image (.png, .jpg, .tif or .bmp)")
	width := flag.Int("width", wasmbrot.DefaultWidth, "image width")
	height := flag.Int("height", wasmbrot.DefaultHeight, "image height")
	flag.Parse()

	pix, err := encode.ReadRaw(*in, *width, *height)
	if err != nil {
		log.Fatalln("could not read raw image:", err)
	}
	img, err := encode.NewImage(pix, *width, *height)
	if err != nil {
		log.Fatalln(err)
	}
	if err := encode.WriteFile(*out, img); err != nil {
		log.Fatalln("could not encode image:", err)
	}
}
