package trace

import (
	"fmt"
	"io"
)

// viewerBootstrap starts the browser visualizer on the assigned document
const viewerBootstrap = `$(document).ready(function() {
  // for rounded corners
  $(".activityPane").corner('15px');

  var demoViz = new ExecutionVisualizer('demoViz', %s, {embeddedMode: true,
                                                               editCodeBaseURL: 'visualize.html'});

  // redraw connector arrows on window resize
  $(window).resize(function() {
    demoViz.redrawConnectors();
  });
});
`

// WriteViewer writes the document followed by the script that renders it
func WriteViewer(w io.Writer, doc *Document, opts WriteOptions) error {
	if err := WriteDocument(w, doc, opts); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, viewerBootstrap, opts.varName()); err != nil {
		return fmt.Errorf("failed to write viewer bootstrap: %w", err)
	}
	return nil
}
