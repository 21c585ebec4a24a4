package fetch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const samplePage = `<!DOCTYPE html>
<html>
<head>
  <title> Widgets, Inc. </title>
  <style>body { color: red }</style>
  <script>var tracking = true;</script>
</head>
<body>
  <h1>Widget Catalog</h1>
  <p>All widgets ship in two days.</p>
  <a href="/products">Products</a>
  <a href="https://Other.example.com/About/">About</a>
  <a href="#top">Back to top</a>
  <a href="mailto:sales@example.com">Email us</a>
  <a href="/products">Products again</a>
</body>
</html>`

func TestExtractPageTitleAndText(t *testing.T) {
	page, err := ExtractPage("http://example.com/catalog", []byte(samplePage))
	require.NoError(t, err)

	require.Equal(t, "Widgets, Inc.", page.Title)
	require.Equal(t, "Widget Catalog\nAll widgets ship in two days.", page.Text)
}

func TestExtractPageLinks(t *testing.T) {
	page, err := ExtractPage("http://example.com/catalog", []byte(samplePage))
	require.NoError(t, err)

	require.Equal(t, []string{
		"http://example.com/products",
		"https://other.example.com/About",
	}, page.Links)
}

func TestExtractPageDropsFragmentAndNonWebSchemes(t *testing.T) {
	body := `<a href="#section">x</a><a href="javascript:void(0)">y</a><a href="ftp://files.example.com/a">z</a>`
	page, err := ExtractPage("http://example.com/", []byte(body))
	require.NoError(t, err)
	require.Empty(t, page.Links)
}

func TestExtractPageResolvesRelativeLinks(t *testing.T) {
	body := `<a href="../up">up</a><a href="child">child</a>`
	page, err := ExtractPage("http://example.com/a/b/c", []byte(body))
	require.NoError(t, err)
	require.Equal(t, []string{
		"http://example.com/a/up",
		"http://example.com/a/b/child",
	}, page.Links)
}

func TestExtractPageFallsBackToVisibleText(t *testing.T) {
	body := `<html><body><div>bare <b>div</b> text</div><script>ignored()</script></body></html>`
	page, err := ExtractPage("http://example.com/", []byte(body))
	require.NoError(t, err)
	require.Equal(t, "bare div text", page.Text)
}

func TestExtractPageIgnoresScriptAndStyleText(t *testing.T) {
	body := `<html><body><p>kept</p><script>dropped()</script><style>.x{}</style></body></html>`
	page, err := ExtractPage("http://example.com/", []byte(body))
	require.NoError(t, err)
	require.Equal(t, "kept", page.Text)
}
