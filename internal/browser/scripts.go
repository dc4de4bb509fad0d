package browser

// refAttr is the attribute the snapshot script stamps on every indexed
// element. Refs survive rebuilds within a document.
const refAttr = "data-nerd-ref"

// snapshotJS collects the render-tree view indexed by dom.Build. Elements
// are kept when they are interactive, carry a test id or label, or own
// direct text.
const snapshotJS = `
(maxNodes) => {
	const interactiveTags = new Set(['a', 'button', 'input', 'select', 'textarea', 'option', 'label', 'summary']);
	const interactiveRoles = new Set(['button', 'link', 'checkbox', 'radio', 'tab', 'menuitem', 'option', 'switch', 'combobox', 'textbox', 'searchbox']);
	const skipTags = new Set(['script', 'style', 'noscript', 'template', 'svg', 'path']);
	const codeSel = 'pre, code, textarea, [contenteditable]:not([contenteditable="false"]), .CodeMirror, .cm-editor, .monaco-editor, .ace_editor';
	const testIdAttrs = ['data-testid', 'data-test-id', 'data-cy', 'data-test', 'data-qa'];

	let seq = window.__nerdRefSeq || 0;
	const nodes = [];
	for (const el of document.querySelectorAll('body *')) {
		if (nodes.length >= maxNodes) break;
		const tag = el.tagName.toLowerCase();
		if (skipTags.has(tag)) continue;

		const role = el.getAttribute('role') || '';
		const ariaLabel = el.getAttribute('aria-label') || '';
		let testId = '';
		for (const a of testIdAttrs) {
			if (el.hasAttribute(a)) { testId = el.getAttribute(a); break; }
		}
		let own = '';
		for (const c of el.childNodes) {
			if (c.nodeType === 3) own += c.textContent;
		}
		own = own.replace(/\s+/g, ' ').trim();

		// Only the editing host of a rich-text region is a target, not its content.
		const editingHost = el.isContentEditable && !(el.parentElement && el.parentElement.isContentEditable);
		const interactive = interactiveTags.has(tag) || interactiveRoles.has(role) ||
			el.hasAttribute('onclick') || editingHost;
		if (!interactive && !testId && !ariaLabel && !own) continue;

		const rect = el.getBoundingClientRect();
		const style = window.getComputedStyle(el);
		const visible = style.display !== 'none' && style.visibility !== 'hidden' &&
			style.opacity !== '0' && rect.width > 0 && rect.height > 0;

		let ref = el.getAttribute('` + refAttr + `');
		if (!ref) {
			ref = 'n' + (++seq);
			el.setAttribute('` + refAttr + `', ref);
		}

		let accessibleName = '';
		const labelledBy = el.getAttribute('aria-labelledby');
		if (labelledBy) {
			accessibleName = labelledBy.split(/\s+/)
				.map((id) => document.getElementById(id))
				.filter(Boolean)
				.map((n) => (n.innerText || '').trim())
				.join(' ');
		} else if (el.labels && el.labels.length) {
			accessibleName = (el.labels[0].innerText || '').trim();
		}

		const text = interactive ? (el.innerText || '').replace(/\s+/g, ' ').trim() : own;
		nodes.push({
			ref,
			order: nodes.length,
			tag,
			text: text.slice(0, 256),
			role,
			accessibleName,
			ariaLabel,
			testId,
			placeholder: el.getAttribute('placeholder') || '',
			name: el.getAttribute('name') || '',
			id: el.id || '',
			type: (el.getAttribute('type') || '').toLowerCase(),
			href: el.getAttribute('href') || '',
			title: el.getAttribute('title') || '',
			className: typeof el.className === 'string' ? el.className : '',
			rect: { x: rect.x, y: rect.y, width: rect.width, height: rect.height },
			visible,
			clickable: interactive || style.cursor === 'pointer',
			inCode: !!el.closest(codeSel),
		});
	}
	window.__nerdRefSeq = seq;
	return { url: location.href, title: document.title, nodes };
}
`

const querySelectorJS = `
(sel) => Array.from(document.querySelectorAll(sel))
	.map((el) => el.getAttribute('` + refAttr + `'))
	.filter(Boolean)
`

const queryXPathJS = `
(expr) => {
	const out = [];
	const res = document.evaluate(expr, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
	for (let i = 0; i < res.snapshotLength; i++) {
		const el = res.snapshotItem(i);
		const ref = el && el.getAttribute && el.getAttribute('` + refAttr + `');
		if (ref) out.push(ref);
	}
	return out;
}
`

const probeJS = `
(globals, selectors) => {
	const g = {};
	for (const name of globals) {
		try { g[name] = !!window[name]; } catch (e) { g[name] = false; }
	}
	const s = {};
	for (const sel of selectors) {
		try { s[sel] = document.querySelectorAll(sel).length; } catch (e) { s[sel] = 0; }
	}
	return { globals: g, selectors: s };
}
`

// mutationHookJS counts inserted and removed element subtrees so the
// watcher can tell a re-render from incidental updates.
const mutationHookJS = `
() => {
	const w = window;
	if (w.__nerdHooked) return true;
	w.__nerdHooked = true;
	w.__nerdMutations = 0;
	const obs = new MutationObserver((records) => {
		for (const r of records) {
			for (const n of r.addedNodes) if (n.nodeType === 1) w.__nerdMutations++;
			for (const n of r.removedNodes) if (n.nodeType === 1) w.__nerdMutations++;
		}
	});
	const root = document.documentElement || document.body;
	if (root) obs.observe(root, { childList: true, subtree: true });
	return true;
}
`

const drainMutationsJS = `
() => {
	const n = window.__nerdMutations || 0;
	window.__nerdMutations = 0;
	return n;
}
`
