package sandbox

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/dop251/goja"
)

// query implements the cheerio capability over goquery. Every selection
// wrapper shares one prototype and is mapped back to its Go selection.
type query struct {
	r     *run
	proto *goja.Object
	sels  map[*goja.Object]*goquery.Selection
}

func newQuery(r *run) *query {
	q := &query{r: r, sels: make(map[*goja.Object]*goquery.Selection)}
	q.proto = q.prototype()
	return q
}

func validSelector(sel string) error {
	if _, err := cascadia.Compile(sel); err != nil {
		return fmt.Errorf("invalid selector %q: %v", sel, err)
	}
	return nil
}

func (q *query) module() *goja.Object {
	m := q.r.vm.NewObject()
	_ = m.Set("load", func(call goja.FunctionCall) goja.Value {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(call.Argument(0).String()))
		if err != nil {
			q.r.throw("Error", "cheerio.load: %v", err)
		}
		return q.dollar(doc)
	})
	return m
}

// dollar builds the $ function bound to one document.
func (q *query) dollar(doc *goquery.Document) goja.Value {
	vm := q.r.vm
	fn := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		return q.wrap(q.selectIn(doc, call.Argument(0), call.Argument(1)))
	}).(*goja.Object)

	_ = fn.Set("root", func(goja.FunctionCall) goja.Value { return q.wrap(doc.Selection) })
	_ = fn.Set("html", func(call goja.FunctionCall) goja.Value {
		if arg := call.Argument(0); !goja.IsUndefined(arg) {
			return q.outerHTML(q.selectIn(doc, arg, goja.Undefined()))
		}
		h, _ := goquery.OuterHtml(doc.Selection)
		return vm.ToValue(h)
	})
	_ = fn.Set("text", func(call goja.FunctionCall) goja.Value {
		if arg := call.Argument(0); !goja.IsUndefined(arg) {
			return vm.ToValue(q.selectIn(doc, arg, goja.Undefined()).Text())
		}
		return vm.ToValue(doc.Text())
	})
	return fn
}

// selectIn resolves the arguments of $(...): a selector with an optional
// context, an HTML fragment, or an existing wrapper.
func (q *query) selectIn(doc *goquery.Document, arg, scope goja.Value) *goquery.Selection {
	if arg == nil || goja.IsUndefined(arg) || goja.IsNull(arg) {
		return doc.FindNodes()
	}
	if obj, ok := arg.(*goja.Object); ok {
		if s, ok := q.sels[obj]; ok {
			return s
		}
		q.r.throw("TypeError", "cheerio: unsupported argument")
	}
	s := strings.TrimSpace(arg.String())
	if strings.HasPrefix(s, "<") {
		frag, err := goquery.NewDocumentFromReader(strings.NewReader(s))
		if err != nil {
			q.r.throw("Error", "cheerio: %v", err)
		}
		return frag.Find("body").Children()
	}
	q.mustSelector(s)
	root := doc.Selection
	if scope != nil && !goja.IsUndefined(scope) && !goja.IsNull(scope) {
		root = q.selectIn(doc, scope, goja.Undefined())
	}
	return root.Find(s)
}

func (q *query) mustSelector(sel string) {
	if err := validSelector(sel); err != nil {
		q.r.throw("SyntaxError", "%v", err)
	}
}

// wrap creates a selection object with cheerio-style index access.
func (q *query) wrap(s *goquery.Selection) *goja.Object {
	obj := q.newObject(s)
	for i := range s.Nodes {
		_ = obj.Set(strconv.Itoa(i), q.element(s.Eq(i)))
	}
	return obj
}

// element wraps a single node, exposing the node fields cheerio code reads.
func (q *query) element(s *goquery.Selection) *goja.Object {
	obj := q.newObject(s)
	_ = obj.Set("0", obj)
	name := goquery.NodeName(s)
	switch name {
	case "#text":
		_ = obj.Set("type", "text")
		_ = obj.Set("data", s.Text())
	case "#comment":
		_ = obj.Set("type", "comment")
	default:
		_ = obj.Set("type", "tag")
		_ = obj.Set("name", name)
		_ = obj.Set("tagName", name)
		attribs := q.r.vm.NewObject()
		for _, a := range s.Nodes[0].Attr {
			_ = attribs.Set(a.Key, a.Val)
		}
		_ = obj.Set("attribs", attribs)
	}
	return obj
}

func (q *query) newObject(s *goquery.Selection) *goja.Object {
	obj := q.r.vm.NewObject()
	_ = obj.SetPrototype(q.proto)
	_ = obj.Set("length", s.Length())
	q.sels[obj] = s
	return obj
}

func (q *query) this(call goja.FunctionCall) *goquery.Selection {
	if obj, ok := call.This.(*goja.Object); ok {
		if s, ok := q.sels[obj]; ok {
			return s
		}
	}
	q.r.throw("TypeError", "cheerio: method called on a non-selection value")
	return nil
}

// filtered applies an optional selector argument.
func (q *query) filtered(s *goquery.Selection, arg goja.Value) *goquery.Selection {
	if arg == nil || goja.IsUndefined(arg) || goja.IsNull(arg) {
		return s
	}
	sel := arg.String()
	q.mustSelector(sel)
	return s.Filter(sel)
}

func (q *query) outerHTML(s *goquery.Selection) goja.Value {
	if s.Length() == 0 {
		return goja.Null()
	}
	h, err := goquery.OuterHtml(s)
	if err != nil {
		return goja.Null()
	}
	return q.r.vm.ToValue(h)
}

// callback invokes fn(i, el) with this bound to el.
func (q *query) callback(fn goja.Callable, i int, s *goquery.Selection) goja.Value {
	el := q.element(s)
	v, err := fn(el, q.r.vm.ToValue(i), el)
	if err != nil {
		panic(err)
	}
	return v
}

func (q *query) prototype() *goja.Object {
	vm := q.r.vm
	p := vm.NewObject()

	traverse := func(name string, f func(s *goquery.Selection, arg goja.Value) *goquery.Selection) {
		_ = p.Set(name, func(call goja.FunctionCall) goja.Value {
			return q.wrap(f(q.this(call), call.Argument(0)))
		})
	}
	selectorArg := func(arg goja.Value) string {
		sel := arg.String()
		q.mustSelector(sel)
		return sel
	}

	traverse("find", func(s *goquery.Selection, a goja.Value) *goquery.Selection { return s.Find(selectorArg(a)) })
	traverse("children", func(s *goquery.Selection, a goja.Value) *goquery.Selection { return q.filtered(s.Children(), a) })
	traverse("contents", func(s *goquery.Selection, _ goja.Value) *goquery.Selection { return s.Contents() })
	traverse("parent", func(s *goquery.Selection, a goja.Value) *goquery.Selection { return q.filtered(s.Parent(), a) })
	traverse("parents", func(s *goquery.Selection, a goja.Value) *goquery.Selection { return q.filtered(s.Parents(), a) })
	traverse("closest", func(s *goquery.Selection, a goja.Value) *goquery.Selection { return s.Closest(selectorArg(a)) })
	traverse("next", func(s *goquery.Selection, a goja.Value) *goquery.Selection { return q.filtered(s.Next(), a) })
	traverse("prev", func(s *goquery.Selection, a goja.Value) *goquery.Selection { return q.filtered(s.Prev(), a) })
	traverse("nextAll", func(s *goquery.Selection, a goja.Value) *goquery.Selection { return q.filtered(s.NextAll(), a) })
	traverse("prevAll", func(s *goquery.Selection, a goja.Value) *goquery.Selection { return q.filtered(s.PrevAll(), a) })
	traverse("siblings", func(s *goquery.Selection, a goja.Value) *goquery.Selection { return q.filtered(s.Siblings(), a) })
	traverse("first", func(s *goquery.Selection, _ goja.Value) *goquery.Selection { return s.First() })
	traverse("last", func(s *goquery.Selection, _ goja.Value) *goquery.Selection { return s.Last() })
	traverse("eq", func(s *goquery.Selection, a goja.Value) *goquery.Selection { return s.Eq(int(a.ToInteger())) })
	traverse("not", func(s *goquery.Selection, a goja.Value) *goquery.Selection { return s.Not(selectorArg(a)) })
	traverse("has", func(s *goquery.Selection, a goja.Value) *goquery.Selection { return s.Has(selectorArg(a)) })

	_ = p.Set("filter", func(call goja.FunctionCall) goja.Value {
		s := q.this(call)
		if fn, ok := goja.AssertFunction(call.Argument(0)); ok {
			return q.wrap(s.FilterFunction(func(i int, el *goquery.Selection) bool {
				return q.callback(fn, i, el).ToBoolean()
			}))
		}
		return q.wrap(s.Filter(selectorArg(call.Argument(0))))
	})
	_ = p.Set("slice", func(call goja.FunctionCall) goja.Value {
		s := q.this(call)
		start := int(call.Argument(0).ToInteger())
		end := s.Length()
		if a := call.Argument(1); !goja.IsUndefined(a) {
			end = int(a.ToInteger())
		}
		start, end = clampRange(start, end, s.Length())
		return q.wrap(s.Slice(start, end))
	})

	_ = p.Set("text", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(q.this(call).Text())
	})
	_ = p.Set("html", func(call goja.FunctionCall) goja.Value {
		s := q.this(call)
		if s.Length() == 0 {
			return goja.Null()
		}
		h, err := s.Html()
		if err != nil {
			return goja.Null()
		}
		return vm.ToValue(h)
	})
	_ = p.Set("attr", func(call goja.FunctionCall) goja.Value {
		s := q.this(call)
		if s.Length() == 0 {
			return goja.Undefined()
		}
		name := call.Argument(0)
		if goja.IsUndefined(name) {
			out := vm.NewObject()
			for _, a := range s.Nodes[0].Attr {
				_ = out.Set(a.Key, a.Val)
			}
			return out
		}
		v, ok := s.Attr(name.String())
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(v)
	})
	_ = p.Set("prop", func(call goja.FunctionCall) goja.Value {
		s := q.this(call)
		if s.Length() == 0 {
			return goja.Undefined()
		}
		switch name := call.Argument(0).String(); name {
		case "tagName", "nodeName":
			return vm.ToValue(strings.ToUpper(goquery.NodeName(s)))
		case "innerText", "textContent":
			return vm.ToValue(s.Text())
		case "innerHTML":
			h, _ := s.Html()
			return vm.ToValue(h)
		case "outerHTML":
			return q.outerHTML(s.First())
		default:
			if v, ok := s.Attr(name); ok {
				return vm.ToValue(v)
			}
			return goja.Undefined()
		}
	})
	_ = p.Set("data", func(call goja.FunctionCall) goja.Value {
		s := q.this(call)
		if s.Length() == 0 {
			return goja.Undefined()
		}
		if name := call.Argument(0); !goja.IsUndefined(name) {
			if v, ok := s.Attr("data-" + name.String()); ok {
				return vm.ToValue(v)
			}
			return goja.Undefined()
		}
		out := vm.NewObject()
		for _, a := range s.Nodes[0].Attr {
			if k, ok := strings.CutPrefix(a.Key, "data-"); ok {
				_ = out.Set(k, a.Val)
			}
		}
		return out
	})
	_ = p.Set("val", func(call goja.FunctionCall) goja.Value {
		s := q.this(call).First()
		switch goquery.NodeName(s) {
		case "":
			return goja.Undefined()
		case "textarea":
			return vm.ToValue(s.Text())
		case "select":
			opt := s.Find("option[selected]").First()
			if opt.Length() == 0 {
				opt = s.Find("option").First()
			}
			if v, ok := opt.Attr("value"); ok {
				return vm.ToValue(v)
			}
			return vm.ToValue(opt.Text())
		}
		v, _ := s.Attr("value")
		return vm.ToValue(v)
	})
	_ = p.Set("hasClass", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(q.this(call).HasClass(call.Argument(0).String()))
	})
	_ = p.Set("is", func(call goja.FunctionCall) goja.Value {
		s := q.this(call)
		if fn, ok := goja.AssertFunction(call.Argument(0)); ok {
			return vm.ToValue(s.IsFunction(func(i int, el *goquery.Selection) bool {
				return q.callback(fn, i, el).ToBoolean()
			}))
		}
		return vm.ToValue(s.Is(selectorArg(call.Argument(0))))
	})
	_ = p.Set("index", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(q.this(call).Index())
	})

	_ = p.Set("each", func(call goja.FunctionCall) goja.Value {
		s := q.this(call)
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			q.r.throw("TypeError", "each: callback must be a function")
		}
		s.EachWithBreak(func(i int, el *goquery.Selection) bool {
			// returning false stops the iteration
			return !q.callback(fn, i, el).StrictEquals(vm.ToValue(false))
		})
		return call.This
	})
	_ = p.Set("map", func(call goja.FunctionCall) goja.Value {
		s := q.this(call)
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			q.r.throw("TypeError", "map: callback must be a function")
		}
		var out []any
		s.Each(func(i int, el *goquery.Selection) {
			v := q.callback(fn, i, el)
			if goja.IsUndefined(v) || goja.IsNull(v) {
				return
			}
			if obj, ok := v.(*goja.Object); ok && obj.ClassName() == "Array" {
				for _, k := range obj.Keys() {
					out = append(out, obj.Get(k))
				}
				return
			}
			out = append(out, v)
		})
		return q.mapped(out)
	})
	_ = p.Set("get", func(call goja.FunctionCall) goja.Value {
		s := q.this(call)
		if a := call.Argument(0); !goja.IsUndefined(a) {
			i := int(a.ToInteger())
			if i < 0 {
				i += s.Length()
			}
			if i < 0 || i >= s.Length() {
				return goja.Undefined()
			}
			return q.element(s.Eq(i))
		}
		return q.elements(s)
	})
	_ = p.Set("toArray", func(call goja.FunctionCall) goja.Value {
		return q.elements(q.this(call))
	})
	return p
}

func (q *query) elements(s *goquery.Selection) *goja.Object {
	out := make([]any, 0, s.Length())
	s.Each(func(_ int, el *goquery.Selection) {
		out = append(out, q.element(el))
	})
	return q.r.vm.NewArray(out...)
}

// mapped is the result of .map(): a plain array that also answers the
// get() and toArray() calls cheerio code chains onto it.
func (q *query) mapped(items []any) *goja.Object {
	vm := q.r.vm
	arr := vm.NewArray(items...)
	_ = arr.Set("get", func(call goja.FunctionCall) goja.Value {
		if a := call.Argument(0); !goja.IsUndefined(a) {
			i := int(a.ToInteger())
			if i < 0 {
				i += len(items)
			}
			if i < 0 || i >= len(items) {
				return goja.Undefined()
			}
			return vm.ToValue(items[i])
		}
		return vm.NewArray(items...)
	})
	_ = arr.Set("toArray", func(goja.FunctionCall) goja.Value {
		return vm.NewArray(items...)
	})
	return arr
}

func clampRange(start, end, n int) (int, int) {
	if start < 0 {
		start += n
	}
	if end < 0 {
		end += n
	}
	start = max(0, min(start, n))
	end = max(start, min(end, n))
	return start, end
}
