package routes

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fabriziosalmi/proximity-sub002/pkg/api"
)

// Options fixes the parts of the route document that do not depend on
// application records
type Options struct {
	PublicDomain  string // base domain for hostname routes
	DNSDomain     string // appliance-internal dns suffix for upstreams
	UINetworkCIDR string // only this network may reach embed routes
}

// securityHeaders are the response headers preserved on public routes and
// deliberately stripped on embed routes. Stripped headers must never leak
// into the public blocks.
var securityHeaders = []string{
	"X-Frame-Options",
	"Content-Security-Policy",
}

// Synthesize maps a set of application records to a complete reverse-proxy
// configuration document. Pure function: same input, byte-identical output.
//
// Each running application gets three independent blocks: a dns-hostname
// route, a public path-prefix route with security headers preserved, and an
// embed route reachable only from the UI network with those headers
// stripped. Stopped applications keep their hostname reserved with a 503
// placeholder. On any hostname or path-prefix collision the previous
// document must stay active, so the function returns a RouteConflict error
// and emits nothing.
func Synthesize(apps []*api.Application, opts Options) (string, error) {
	if err := validate(apps); err != nil {
		return "", err
	}

	sorted := make([]*api.Application, len(apps))
	copy(sorted, apps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Hostname < sorted[j].Hostname })

	var b strings.Builder
	b.WriteString("# generated by proximity; do not edit\n")

	for _, app := range sorted {
		switch app.Status {
		case api.AppRunning:
			writeHostBlock(&b, app, opts)
			writePathBlock(&b, app, opts)
			writeEmbedBlock(&b, app, opts)
		case api.AppStopped:
			writePlaceholderBlock(&b, app, opts)
		}
	}

	return b.String(), nil
}

func validate(apps []*api.Application) error {
	hostnames := make(map[string]string, len(apps))
	prefixes := make(map[string]string, len(apps))

	for _, app := range apps {
		if other, ok := hostnames[app.Hostname]; ok {
			return api.NewError(api.KindRouteConflict,
				fmt.Sprintf("hostname %q claimed by both %s and %s", app.Hostname, other, app.ID))
		}
		hostnames[app.Hostname] = app.ID

		prefix := pathPrefix(app)
		if other, ok := prefixes[prefix]; ok {
			return api.NewError(api.KindRouteConflict,
				fmt.Sprintf("path prefix %q claimed by both %s and %s", prefix, other, app.ID))
		}
		prefixes[prefix] = app.ID
	}
	return nil
}

func pathPrefix(app *api.Application) string {
	return "/apps/" + app.Hostname
}

// upstream dials the container by its dns name on the port the application
// actually serves, as recorded from the catalog entry at provisioning time.
func upstream(app *api.Application, opts Options) string {
	return fmt.Sprintf("%s.%s:%d", app.Hostname, opts.DNSDomain, app.TargetPort)
}

func writeHostBlock(b *strings.Builder, app *api.Application, opts Options) {
	fmt.Fprintf(b, "\n%s.%s {\n", app.Hostname, opts.PublicDomain)
	fmt.Fprintf(b, "\treverse_proxy %s\n", upstream(app, opts))
	b.WriteString("}\n")
}

func writePathBlock(b *strings.Builder, app *api.Application, opts Options) {
	fmt.Fprintf(b, "\n:%d {\n", app.PublicPort)
	fmt.Fprintf(b, "\thandle_path %s/* {\n", pathPrefix(app))
	fmt.Fprintf(b, "\t\treverse_proxy %s {\n", upstream(app, opts))
	for _, h := range securityHeaders {
		fmt.Fprintf(b, "\t\t\theader_down +%s\n", h)
	}
	b.WriteString("\t\t}\n")
	b.WriteString("\t}\n")
	b.WriteString("}\n")
}

func writeEmbedBlock(b *strings.Builder, app *api.Application, opts Options) {
	fmt.Fprintf(b, "\n:%d {\n", app.PublicPort+embedPortOffset)
	fmt.Fprintf(b, "\t@ui remote_ip %s\n", opts.UINetworkCIDR)
	fmt.Fprintf(b, "\thandle_path /embed/%s/* {\n", app.Hostname)
	fmt.Fprintf(b, "\t\treverse_proxy @ui %s {\n", upstream(app, opts))
	for _, h := range securityHeaders {
		fmt.Fprintf(b, "\t\t\theader_down -%s\n", h)
	}
	b.WriteString("\t\t}\n")
	b.WriteString("\t}\n")
	b.WriteString("}\n")
}

func writePlaceholderBlock(b *strings.Builder, app *api.Application, opts Options) {
	fmt.Fprintf(b, "\n%s.%s {\n", app.Hostname, opts.PublicDomain)
	fmt.Fprintf(b, "\trespond \"%s is stopped\" 503\n", app.Hostname)
	b.WriteString("}\n")
}

// embedPortOffset keeps the embed listener off the public port so the two
// header policies can never share a server block
const embedPortOffset = 20000
