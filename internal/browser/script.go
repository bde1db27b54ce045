package browser

import (
	"encoding/json"
	"fmt"
)

// prelude defines the helpers every element script relies on. Scripts are
// wrapped in an arrow function and always return a plain object.
const prelude = `
const __nodes = (query, root) => {
  const snap = document.evaluate(query, root || document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
  const out = [];
  for (let i = 0; i < snap.snapshotLength; i++) out.push(snap.snapshotItem(i));
  return out;
};
const __at = (query, index) => {
  const list = __nodes(query);
  return index >= 0 && index < list.length ? list[index] : null;
};
const __visible = (el) => {
  if (!el.isConnected) return false;
  const style = window.getComputedStyle(el);
  if (style.display === 'none' || style.visibility === 'hidden' || parseFloat(style.opacity || '1') === 0) return false;
  const rect = el.getBoundingClientRect();
  return rect.width > 0 && rect.height > 0;
};
const __text = (el) => ((el.innerText !== undefined ? el.innerText : el.textContent) || '').trim();
const __label = (el) => {
  const tag = el.tagName ? el.tagName.toLowerCase() : '#node';
  const aria = el.getAttribute ? el.getAttribute('aria-label') : null;
  return aria ? tag + '[aria-label="' + aria + '"]' : tag;
};
`

// xpathFunction yields a positional path, adding an index only where a
// sibling with the same tag exists.
const xpathFunction = `
const __xpath = (elt) => {
  let path = '';
  for (; elt && elt.nodeType === Node.ELEMENT_NODE; elt = elt.parentNode) {
    let idx = 0;
    let sibling = elt.previousSibling;
    while (sibling) {
      if (sibling.nodeType === Node.ELEMENT_NODE && sibling.tagName === elt.tagName) idx++;
      sibling = sibling.previousSibling;
    }
    let hasNext = false;
    sibling = elt.nextSibling;
    while (sibling) {
      if (sibling.nodeType === Node.ELEMENT_NODE && sibling.tagName === elt.tagName) { hasNext = true; break; }
      sibling = sibling.nextSibling;
    }
    let name = elt.tagName.toLowerCase();
    if (idx > 0 || hasNext) name += '[' + (idx + 1) + ']';
    path = '/' + name + path;
  }
  return path;
};
`

type scriptResult struct {
	OK        bool    `json:"ok"`
	Error     string  `json:"error"`
	Detail    string  `json:"detail"`
	Count     int     `json:"count"`
	Tag       string  `json:"tag"`
	AriaLabel string  `json:"aria"`
	Text      string  `json:"text"`
	Displayed bool    `json:"displayed"`
	Enabled   bool    `json:"enabled"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Value     string  `json:"value"`
}

func jsString(value string) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return `""`
	}
	return string(encoded)
}

func pageScript(body string) string {
	return "(() => {" + prelude + body + "\n})()"
}

// elementScript resolves el into the local `el` before running body.
func elementScript(el Element, body string) string {
	lookup := fmt.Sprintf(`
const el = __at(%s, %d);
if (!el) return {ok: false, error: 'stale'};
`, jsString(el.Query), el.Index)
	return pageScript(lookup + body)
}

func countScript(query string) string {
	return pageScript(fmt.Sprintf(`return {ok: true, count: __nodes(%s).length};`, jsString(query)))
}

func describeScript(el Element) string {
	return elementScript(el, `
const disabled = el.disabled === true || el.getAttribute('aria-disabled') === 'true';
return {
  ok: true,
  tag: el.tagName.toLowerCase(),
  aria: el.getAttribute('aria-label') || '',
  text: __text(el),
  displayed: __visible(el),
  enabled: !disabled,
};`)
}

func clearAndFocusScript(el Element) string {
	return elementScript(el, `
if (!__visible(el)) return {ok: false, error: 'not_interactable'};
el.focus();
if ('value' in el) {
  el.value = '';
  el.dispatchEvent(new Event('input', {bubbles: true}));
} else if (el.isContentEditable) {
  el.textContent = '';
}
return {ok: true};`)
}

func scrollScript(el Element) string {
	return elementScript(el, `
el.scrollIntoView(false);
return {ok: true};`)
}

// clickPointScript centers el in the viewport and reports the point a native
// click should land on, or the element that would intercept it.
func clickPointScript(el Element) string {
	return elementScript(el, `
if (!__visible(el)) return {ok: false, error: 'not_interactable'};
if (el.disabled === true) return {ok: false, error: 'not_interactable', detail: 'disabled'};
el.scrollIntoView({block: 'center', inline: 'center'});
const rect = el.getBoundingClientRect();
const x = rect.left + rect.width / 2;
const y = rect.top + rect.height / 2;
const hit = document.elementFromPoint(x, y);
if (!hit) return {ok: false, error: 'intercepted', detail: 'no element at click point'};
if (hit !== el && !el.contains(hit)) return {ok: false, error: 'intercepted', detail: __label(hit)};
return {ok: true, x: x, y: y};`)
}

func scriptClickScript(el Element) string {
	return elementScript(el, `
el.click();
return {ok: true};`)
}

func xpathScript(el Element) string {
	return elementScript(el, xpathFunction+`
return {ok: true, value: __xpath(el)};`)
}

func relativeTextScript(el Element, relative string) string {
	return elementScript(el, fmt.Sprintf(`
const found = __nodes(%s, el);
if (!found.length) return {ok: false, error: 'not_found'};
return {ok: true, text: __text(found[0])};`, jsString(relative)))
}

func pageValueScript(expression string) string {
	return pageScript(fmt.Sprintf(`return {ok: true, value: String(%s)};`, expression))
}

func bodyScript() string {
	return pageScript(`return {ok: true, displayed: !!document.body};`)
}

// consoleArgText renders one console argument: strings unquoted, other JSON
// values verbatim, objects by their description.
func consoleArgText(value []byte, description string) string {
	if len(value) == 0 {
		return description
	}
	var text string
	if err := json.Unmarshal(value, &text); err == nil {
		return text
	}
	return string(value)
}
