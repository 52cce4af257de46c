package azureblob

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlobURLStripsLeadingSlash(t *testing.T) {
	d, err := NewDriver("devstoreaccount1", "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==", "afc")
	assert.NoError(t, err)

	a := d.blobURL("/dir/file.bin")
	b := d.blobURL("dir/file.bin")
	assert.Equal(t, a.URL().String(), b.URL().String())
}
