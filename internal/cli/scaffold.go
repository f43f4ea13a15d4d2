package cli

import (
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"github.com/spf13/cobra"

	"github.com/goatkit/macrohost/pkg/plugin"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

var pluginName = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// scaffold is the template data of a new plugin.
type scaffold struct {
	Name         string
	Title        string
	Type         string
	Description  string
	Runtime      string
	Capabilities []plugin.Capability
}

func newScaffold(name, runtime string) (scaffold, error) {
	name = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "-"))
	if !pluginName.MatchString(name) {
		return scaffold{}, fmt.Errorf("invalid plugin name %q: use lowercase letters, digits and dashes", name)
	}
	s := scaffold{Name: name, Runtime: runtime}
	for _, part := range strings.Split(name, "-") {
		if part == "" {
			continue
		}
		s.Type += strings.ToUpper(part[:1]) + part[1:]
		if s.Title != "" {
			s.Title += " "
		}
		s.Title += strings.ToUpper(part[:1]) + part[1:]
	}
	switch runtime {
	case "native":
		s.Description = "A native macrohost plugin"
		s.Capabilities = []plugin.Capability{plugin.CapActionProvider}
	case "rpc":
		s.Description = "An RPC macrohost plugin"
		s.Capabilities = []plugin.Capability{plugin.CapEventHandler}
	default:
		return scaffold{}, fmt.Errorf("unknown runtime %q: use native or rpc", runtime)
	}
	return s, nil
}

// files pairs output names with their templates.
func (s scaffold) files() [][2]string {
	return [][2]string{
		{"main.go", s.Runtime + "_main.go.tmpl"},
		{s.Name + ".yaml", "manifest.yaml.tmpl"},
		{"build.sh", "build.sh.tmpl"},
		{"README.md", "readme.md.tmpl"},
	}
}

func (s scaffold) write(dir string) ([]string, error) {
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("%s already exists", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var written []string
	for _, f := range s.files() {
		out, tmpl := f[0], f[1]
		path := filepath.Join(dir, out)
		mode := os.FileMode(0o644)
		if strings.HasSuffix(out, ".sh") {
			mode = 0o755
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return written, err
		}
		err = templates.ExecuteTemplate(file, tmpl, s)
		if cerr := file.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return written, fmt.Errorf("render %s: %w", out, err)
		}
		written = append(written, path)
	}
	return written, nil
}

func newPluginsInitCommand(opts *RootOptions) *cobra.Command {
	var runtime, into string

	cmd := &cobra.Command{
		Use:   "init <name>",
		Short: "Create a plugin skeleton",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newScaffold(args[0], runtime)
			if err != nil {
				return err
			}
			dir := filepath.Join(into, s.Name)
			written, err := s.write(dir)
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), map[string]any{"dir": dir, "runtime": s.Runtime, "files": written}, func(w io.Writer) {
				fmt.Fprintf(w, "created %s plugin in %s\n\n", s.Runtime, dir)
				fmt.Fprintln(w, "next steps:")
				fmt.Fprintf(w, "  cd %s\n", dir)
				fmt.Fprintln(w, "  ./build.sh")
			})
		},
	}

	cmd.Flags().StringVar(&runtime, "runtime", "native", "plugin runtime (native|rpc)")
	cmd.Flags().StringVar(&into, "dir", "plugins", "parent directory")
	return cmd
}
