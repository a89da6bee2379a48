package cmd

import (
	"io"

	"github.com/fatih/color"
)

const banner = `
                 _                          _
   __ _ _   _| |_ ___  _ __   ___  ___| |_ ___ _ __
  / _` + "`" + ` | | | | __/ _ \| '_ \ / _ \/ __| __/ _ \ '__|
 | (_| | |_| | || (_) | |_) | (_) \__ \ ||  __/ |
  \__,_|\__,_|\__\___/| .__/ \___/|___/\__\___|_|
                      |_|
`

func printBanner(w io.Writer, subtitle string) {
	color.New(color.FgBlue).Fprint(w, banner)
	color.New(color.FgGreen).Fprintf(w, "  %s - Version %s\n\n", subtitle, version)
}
