package workflow

// Builtin template ids.
const (
	TemplateTxt2ImgSDXL     = "txt2img_sdxl"
	TemplateTxt2ImgSDXLLoRA = "txt2img_sdxl_lora"
	TemplateInpaint         = "inpaint"
	TemplateOutpaint        = "outpaint"
	TemplateUpscale         = "upscale"
	TemplateAnimate         = "animate_svd"
)

// registerBuiltins seeds the composer with the node-graph shapes named in
// section 4.5's table. Node ids match the table exactly; inputs carry
// placeholder defaults that Compose overwrites per job.
func registerBuiltins(c *Composer) {
	c.Register(TemplateTxt2ImgSDXL, Graph{
		"3": Node{ClassType: "KSampler", Inputs: map[string]any{
			"seed": 0, "steps": 20, "cfg": 7.0, "sampler_name": "euler", "scheduler": "normal",
			"denoise": 1.0, "model": []any{"4", 0}, "positive": []any{"6", 0}, "negative": []any{"7", 0},
			"latent_image": []any{"5", 0},
		}},
		"4": Node{ClassType: "CheckpointLoaderSimple", Inputs: map[string]any{"ckpt_name": "sd_xl_base_1.0.safetensors"}},
		"5": Node{ClassType: "EmptyLatentImage", Inputs: map[string]any{"width": 1024, "height": 1024, "batch_size": 1}},
		"6": Node{ClassType: "CLIPTextEncode", Inputs: map[string]any{"text": "", "clip": []any{"4", 1}}},
		"7": Node{ClassType: "CLIPTextEncode", Inputs: map[string]any{"text": "", "clip": []any{"4", 1}}},
		"8": Node{ClassType: "VAEDecode", Inputs: map[string]any{"samples": []any{"3", 0}, "vae": []any{"4", 2}}},
		"9": Node{ClassType: "SaveImage", Inputs: map[string]any{"filename_prefix": "folio", "images": []any{"8", 0}}},
	})

	c.Register(TemplateTxt2ImgSDXLLoRA, Graph{
		"3":  Node{ClassType: "KSampler", Inputs: map[string]any{
			"seed": 0, "steps": 20, "cfg": 7.0, "sampler_name": "euler", "scheduler": "normal",
			"denoise": 1.0, "model": []any{"10", 0}, "positive": []any{"6", 0}, "negative": []any{"7", 0},
			"latent_image": []any{"5", 0},
		}},
		"4":  Node{ClassType: "CheckpointLoaderSimple", Inputs: map[string]any{"ckpt_name": "sd_xl_base_1.0.safetensors"}},
		"5":  Node{ClassType: "EmptyLatentImage", Inputs: map[string]any{"width": 1024, "height": 1024, "batch_size": 1}},
		"6":  Node{ClassType: "CLIPTextEncode", Inputs: map[string]any{"text": "", "clip": []any{"10", 1}}},
		"7":  Node{ClassType: "CLIPTextEncode", Inputs: map[string]any{"text": "", "clip": []any{"10", 1}}},
		"8":  Node{ClassType: "VAEDecode", Inputs: map[string]any{"samples": []any{"3", 0}, "vae": []any{"4", 2}}},
		"9":  Node{ClassType: "SaveImage", Inputs: map[string]any{"filename_prefix": "folio", "images": []any{"8", 0}}},
		"10": Node{ClassType: "LoraLoader", Inputs: map[string]any{
			"lora_name": "", "strength_model": 1.0, "strength_clip": 1.0,
			"model": []any{"4", 0}, "clip": []any{"4", 1},
		}},
	})

	c.Register(TemplateInpaint, Graph{
		"1":  Node{ClassType: "LoadImage", Inputs: map[string]any{"image": ""}},
		"2":  Node{ClassType: "LoadImage", Inputs: map[string]any{"image": ""}},
		"3":  Node{ClassType: "KSampler", Inputs: map[string]any{
			"seed": 0, "steps": 20, "cfg": 7.0, "sampler_name": "euler", "scheduler": "normal",
			"denoise": 0.75, "model": []any{"4", 0}, "positive": []any{"6", 0}, "negative": []any{"7", 0},
			"latent_image": []any{"10", 0},
		}},
		"4":  Node{ClassType: "CheckpointLoaderSimple", Inputs: map[string]any{"ckpt_name": "sd_xl_base_1.0.safetensors"}},
		"6":  Node{ClassType: "CLIPTextEncode", Inputs: map[string]any{"text": "", "clip": []any{"4", 1}}},
		"7":  Node{ClassType: "CLIPTextEncode", Inputs: map[string]any{"text": "", "clip": []any{"4", 1}}},
		"8":  Node{ClassType: "VAEDecode", Inputs: map[string]any{"samples": []any{"3", 0}, "vae": []any{"4", 2}}},
		"9":  Node{ClassType: "SaveImage", Inputs: map[string]any{"filename_prefix": "folio", "images": []any{"8", 0}}},
		"10": Node{ClassType: "VAEEncodeForInpaint", Inputs: map[string]any{
			"grow_mask_by": 6, "pixels": []any{"1", 0}, "mask": []any{"2", 0}, "vae": []any{"4", 2},
		}},
	})

	c.Register(TemplateOutpaint, Graph{
		"1": Node{ClassType: "LoadImage", Inputs: map[string]any{"image": ""}},
		"2": Node{ClassType: "ImagePadForOutpaint", Inputs: map[string]any{
			"left": 0, "right": 0, "top": 0, "bottom": 0, "feathering": 40, "image": []any{"1", 0},
		}},
		"3": Node{ClassType: "KSampler", Inputs: map[string]any{
			"seed": 0, "steps": 20, "cfg": 7.0, "sampler_name": "euler", "scheduler": "normal",
			"denoise": 0.8, "model": []any{"4", 0}, "positive": []any{"6", 0}, "negative": []any{"7", 0},
			"latent_image": []any{"10", 0},
		}},
		"4":  Node{ClassType: "CheckpointLoaderSimple", Inputs: map[string]any{"ckpt_name": "sd_xl_base_1.0.safetensors"}},
		"6":  Node{ClassType: "CLIPTextEncode", Inputs: map[string]any{"text": "", "clip": []any{"4", 1}}},
		"7":  Node{ClassType: "CLIPTextEncode", Inputs: map[string]any{"text": "", "clip": []any{"4", 1}}},
		"8":  Node{ClassType: "VAEDecode", Inputs: map[string]any{"samples": []any{"3", 0}, "vae": []any{"4", 2}}},
		"9":  Node{ClassType: "SaveImage", Inputs: map[string]any{"filename_prefix": "folio", "images": []any{"8", 0}}},
		"10": Node{ClassType: "VAEEncodeForInpaint", Inputs: map[string]any{
			"grow_mask_by": 6, "pixels": []any{"2", 0}, "mask": []any{"2", 1}, "vae": []any{"4", 2},
		}},
	})

	c.Register(TemplateUpscale, Graph{
		"1": Node{ClassType: "LoadImage", Inputs: map[string]any{"image": ""}},
		"2": Node{ClassType: "UpscaleModelLoader", Inputs: map[string]any{"model_name": ""}},
		"3": Node{ClassType: "ImageUpscaleWithModel", Inputs: map[string]any{
			"upscale_model": []any{"2", 0}, "image": []any{"1", 0},
		}},
		"4": Node{ClassType: "ImageSharpen", Inputs: map[string]any{
			"sharpen_radius": 1, "sigma": 1.0, "alpha": 0.3, "image": []any{"3", 0},
		}},
		"9": Node{ClassType: "SaveImage", Inputs: map[string]any{"filename_prefix": "folio", "images": []any{"4", 0}}},
	})

	c.Register(TemplateAnimate, Graph{
		"1": Node{ClassType: "LoadImage", Inputs: map[string]any{"image": ""}},
		"3": Node{ClassType: "SVD_img2vid_Conditioning", Inputs: map[string]any{
			"width": 1024, "height": 576, "video_frames": 14, "motion_bucket_id": 127,
			"fps": 6, "augmentation_level": 0, "init_image": []any{"1", 0},
		}},
		"9": Node{ClassType: "SaveAnimatedPNG", Inputs: map[string]any{"filename_prefix": "folio_anim", "images": []any{"3", 0}}},
	})
}
