package browser

import "fmt"

// PrerenderReadyScript evaluates to "true" or "false" when the page drives
// window.prerenderReady, and to "" otherwise.
const PrerenderReadyScript = `(typeof window.prerenderReady === 'boolean') ? String(window.prerenderReady) : ''`

// StructuredDataScript evaluates to window.prerenderData as JSON, or "".
const StructuredDataScript = `(typeof window.prerenderData === 'undefined') ? '' : JSON.stringify(window.prerenderData)`

const documentScript = `(function (shadow) {
  var dt = document.doctype, doctype = '';
  if (dt) {
    doctype = '<!DOCTYPE ' + dt.name +
      (dt.publicId ? ' PUBLIC "' + dt.publicId + '"' : '') +
      (!dt.publicId && dt.systemId ? ' SYSTEM' : '') +
      (dt.systemId ? ' "' + dt.systemId + '"' : '') + '>';
  }
  var root = document.documentElement;
  if (!root) { return doctype; }
  if (!shadow || typeof root.getHTML !== 'function') { return doctype + root.outerHTML; }
  var roots = [];
  (function walk(node) {
    node.querySelectorAll('*').forEach(function (el) {
      if (el.shadowRoot) { roots.push(el.shadowRoot); walk(el.shadowRoot); }
    });
  })(document);
  var open = root.cloneNode(false).outerHTML;
  var close = '</' + root.localName + '>';
  return doctype + open.slice(0, open.length - close.length) +
    root.getHTML({ serializableShadowRoots: true, shadowRoots: roots }) + close;
})(%t)`

// DocumentScript returns an expression that serializes the page with its
// doctype. With shadow set, open shadow roots are inlined as declarative
// shadow DOM.
func DocumentScript(shadow bool) string {
	return fmt.Sprintf(documentScript, shadow)
}
