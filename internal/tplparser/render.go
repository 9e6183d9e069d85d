package tplparser

import "strings"

// Render returns (output, ok). ok=false means the template is unsupported.
func Render(opts RenderOptions) (string, bool, error) {
	if out, ok, err := renderByArch(opts); ok || err != nil {
		return out, ok, err
	}
	if opts.Template == "" {
		return "", false, nil
	}
	return renderByTemplateSignature(opts)
}

func renderByArch(opts RenderOptions) (string, bool, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Arch)) {
	case "lfm2", "lfm2-vl", "lfm2_vl", "lfm2vl", "chatml":
		return renderLFM2(opts)
	default:
		return "", false, nil
	}
}

func renderByTemplateSignature(opts RenderOptions) (string, bool, error) {
	tpl := opts.Template
	switch {
	case strings.Contains(tpl, "<|im_start|>") && strings.Contains(tpl, "<|im_end|>") && strings.Contains(tpl, "messages"):
		return renderLFM2(opts)
	default:
		return "", false, nil
	}
}
